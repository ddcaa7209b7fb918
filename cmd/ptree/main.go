package main

import (
	"fmt"
	"os"

	"github.com/temirov/ptree/internal/cli"
	"github.com/temirov/ptree/internal/utils"
)

// main is the entry point for the ptree command.
func main() {
	loggerInstance, loggerInitializationError := utils.NewApplicationLogger()
	if loggerInitializationError != nil {
		panic(fmt.Errorf("logger initialization failed: %w", loggerInitializationError))
	}
	defer func() { _ = loggerInstance.Sync() }()

	if executionError := cli.Execute(loggerInstance); executionError != nil {
		loggerInstance.Error(executionError.Error())
		os.Exit(cli.ExitCodeFor(executionError))
	}
}
