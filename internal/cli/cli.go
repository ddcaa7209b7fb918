// Package cli provides the command line interface.
package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/ptree/internal/app"
	"github.com/temirov/ptree/internal/cache"
	"github.com/temirov/ptree/internal/config"
	"github.com/temirov/ptree/internal/types"
	"github.com/temirov/ptree/internal/utils"
)

const (
	driveFlagName      = "drive"
	rootFlagName       = "root"
	forceFlagName      = "force"
	adminFlagName      = "admin"
	cacheTTLFlagName   = "cache-ttl"
	cacheDirFlagName   = "cache-dir"
	noCacheFlagName    = "no-cache"
	quietFlagName      = "quiet"
	formatFlagName     = "format"
	colorFlagName      = "color"
	maxDepthFlagName   = "max-depth"
	threadsFlagName    = "threads"
	hiddenFlagName     = "hidden"
	skipFlagName       = "skip"
	statsFlagName      = "stats"
	skipStatsFlagName  = "skip-stats"
	fileCountFlagName  = "file-count"
	copyFlagName       = "copy"
	trustCacheFlagName = "trust-cache"
	maxNodesFlagName   = "max-nodes"
	versionFlagName    = "version"

	versionTemplate = "ptree version: %s\n"

	rootUse              = "ptree"
	rootShortDescription = "fast disk tree visualization with persistent caching"
	rootLongDescription  = `ptree enumerates a directory hierarchy, keeps the result in a compact
binary cache, and renders it as an ASCII tree or JSON. Repeat runs inside
the cache TTL are served from the cache without touching the filesystem.`
	rootUsageExample = `  # Scan the current directory and render a tree
  ptree

  # Force a rescan of an explicit root, JSON output
  ptree --root /srv --force --format json

  # Show timing statistics and skip extra directories
  ptree --stats --skip node_modules,target`

	cacheUse                  = "cache"
	cacheShortDescription     = "inspect the snapshot cache"
	cacheInfoUse              = "info"
	cacheInfoShortDescription = "print cache file metadata without loading nodes"

	defaultDriveLetter      = "C"
	defaultCacheTTLSeconds  = 3600
	invalidFormatMessage    = "invalid format value '%s'"
	invalidColorModeMessage = "invalid color mode '%s'"
	cacheMissingMessage     = "no cache file at %s"
	cacheInfoFormat         = "created: %s\nnodes:   %s\nbytes:   %s\n"
)

// Execute runs the ptree application with the given logger.
func Execute(logger *zap.Logger) error {
	rootCommand := createRootCommand(logger)
	return rootCommand.Execute()
}

// ExitCodeFor maps an error returned by Execute to the process exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return types.ExitSuccess
	case errors.Is(err, types.ErrCancelled):
		return types.ExitCancelled
	case errors.Is(err, types.ErrCacheCorrupt):
		return types.ExitCacheFormat
	default:
		return types.ExitIO
	}
}

// scanFlags collects every flag of the scan invocation.
type scanFlags struct {
	drive           string
	root            string
	force           bool
	admin           bool
	cacheTTLSeconds int64
	cacheDir        string
	noCache         bool
	quiet           bool
	format          string
	color           string
	maxDisplayDepth int
	threads         int
	hidden          bool
	skipNames       string
	stats           bool
	skipStats       bool
	fileCounts      bool
	copyOutput      bool
	trustCache      bool
	maxNodes        uint32
}

func createRootCommand(logger *zap.Logger) *cobra.Command {
	var showVersion bool
	var flags scanFlags

	rootCommand := &cobra.Command{
		Use:           rootUse,
		Short:         rootShortDescription,
		Long:          rootLongDescription,
		Example:       rootUsageExample,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(command *cobra.Command, arguments []string) {
			if showVersion {
				fmt.Printf(versionTemplate, utils.GetApplicationVersion())
				os.Exit(types.ExitSuccess)
			}
		},
		RunE: func(command *cobra.Command, arguments []string) error {
			return runScan(command, flags, logger)
		},
	}
	rootCommand.PersistentFlags().BoolVar(&showVersion, versionFlagName, false, "display application version")

	rootCommand.Flags().StringVarP(&flags.drive, driveFlagName, "d", defaultDriveLetter, "Windows drive letter scan root")
	rootCommand.Flags().StringVar(&flags.root, rootFlagName, "", "explicit scan root (overrides --drive)")
	rootCommand.Flags().BoolVarP(&flags.force, forceFlagName, "f", false, "bypass cache read")
	rootCommand.Flags().BoolVarP(&flags.admin, adminFlagName, "a", false, "disable system directory skip")
	rootCommand.Flags().Int64Var(&flags.cacheTTLSeconds, cacheTTLFlagName, defaultCacheTTLSeconds, "cache freshness window in seconds (0 = always rescan, negative = no gate)")
	rootCommand.Flags().StringVar(&flags.cacheDir, cacheDirFlagName, "", "cache directory override")
	rootCommand.Flags().BoolVar(&flags.noCache, noCacheFlagName, false, "skip cache read and write")
	rootCommand.Flags().BoolVarP(&flags.quiet, quietFlagName, "q", false, "suppress render")
	rootCommand.Flags().StringVar(&flags.format, formatFlagName, types.FormatTree, "output format: tree or json")
	rootCommand.Flags().StringVar(&flags.color, colorFlagName, types.ColorAuto, "color mode: auto, always, never")
	rootCommand.Flags().IntVarP(&flags.maxDisplayDepth, maxDepthFlagName, "m", 0, "display depth limit (0 = unlimited)")
	rootCommand.Flags().IntVarP(&flags.threads, threadsFlagName, "j", 0, "worker thread count (0 = 2x cores)")
	rootCommand.Flags().BoolVar(&flags.hidden, hiddenFlagName, false, "show hidden entries")
	rootCommand.Flags().StringVar(&flags.skipNames, skipFlagName, "", "extra skip names, comma-separated")
	rootCommand.Flags().BoolVar(&flags.stats, statsFlagName, false, "emit timing and statistics summary")
	rootCommand.Flags().BoolVar(&flags.skipStats, skipStatsFlagName, false, "emit per-name skip counts")
	rootCommand.Flags().BoolVar(&flags.fileCounts, fileCountFlagName, false, "include file count per directory")
	rootCommand.Flags().BoolVar(&flags.copyOutput, copyFlagName, false, "copy rendered output to the clipboard")
	rootCommand.Flags().BoolVar(&flags.trustCache, trustCacheFlagName, false, "skip cache checksum verification")
	rootCommand.Flags().Uint32Var(&flags.maxNodes, maxNodesFlagName, 0, "node safety cap (0 = default)")

	rootCommand.AddCommand(createCacheCommand())
	rootCommand.InitDefaultHelpCmd()
	rootCommand.InitDefaultCompletionCmd()
	return rootCommand
}

func runScan(command *cobra.Command, flags scanFlags, logger *zap.Logger) error {
	workingDirectory, workingDirectoryError := os.Getwd()
	if workingDirectoryError != nil {
		return fmt.Errorf("unable to determine working directory: %w", workingDirectoryError)
	}
	settings, settingsError := config.LoadSettings(workingDirectory)
	if settingsError != nil {
		return settingsError
	}
	applySettingsDefaults(command, &flags, settings)

	formatLower := strings.ToLower(flags.format)
	if !types.IsSupportedFormat(formatLower) {
		return fmt.Errorf(invalidFormatMessage, flags.format)
	}
	colorLower := strings.ToLower(flags.color)
	if !types.IsSupportedColorMode(colorLower) {
		return fmt.Errorf(invalidColorModeMessage, flags.color)
	}

	cachePath := ""
	if !flags.noCache {
		resolvedPath, cachePathError := config.ResolveCachePath(flags.cacheDir)
		if cachePathError != nil {
			return cachePathError
		}
		cachePath = resolvedPath
	}

	var cancel atomic.Bool
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		if _, open := <-interrupts; open {
			cancel.Store(true)
		}
	}()

	orchestrator := app.NewOrchestrator(app.Services{
		Logger:     logger,
		IsTerminal: func() bool { return isatty.IsTerminal(os.Stdout.Fd()) },
	})
	return orchestrator.Run(app.RunOptions{
		Root:            resolveScanRoot(flags.root, flags.drive),
		CachePath:       cachePath,
		Force:           flags.force,
		NoCache:         flags.noCache,
		Quiet:           flags.quiet,
		TrustCache:      flags.trustCache,
		Format:          formatLower,
		ColorMode:       colorLower,
		MaxDisplayDepth: flags.maxDisplayDepth,
		FileCounts:      flags.fileCounts,
		Threads:         flags.threads,
		MaxNodes:        flags.maxNodes,
		CacheTTL:        time.Duration(flags.cacheTTLSeconds) * time.Second,
		Mode:            types.ScanMode{Admin: flags.admin, ShowHidden: flags.hidden},
		SkipNames:       splitSkipNames(flags.skipNames),
		ShowStats:       flags.stats,
		ShowSkipStats:   flags.skipStats,
		CopyToClipboard: flags.copyOutput,
		Cancel:          &cancel,
	})
}

// applySettingsDefaults overlays configuration file defaults onto flags the
// user did not set explicitly.
func applySettingsDefaults(command *cobra.Command, flags *scanFlags, settings config.Settings) {
	flagSet := command.Flags()
	if settings.Format != "" && !flagSet.Changed(formatFlagName) {
		flags.format = settings.Format
	}
	if settings.Color != "" && !flagSet.Changed(colorFlagName) {
		flags.color = settings.Color
	}
	if settings.CacheTTLSeconds != nil && !flagSet.Changed(cacheTTLFlagName) {
		flags.cacheTTLSeconds = *settings.CacheTTLSeconds
	}
	if settings.CacheDir != "" && !flagSet.Changed(cacheDirFlagName) {
		flags.cacheDir = settings.CacheDir
	}
	if len(settings.Skip) > 0 && !flagSet.Changed(skipFlagName) {
		flags.skipNames = strings.Join(settings.Skip, ",")
	}
	if settings.Threads != nil && !flagSet.Changed(threadsFlagName) {
		flags.threads = *settings.Threads
	}
}

// resolveScanRoot picks the scan root: an explicit --root wins, a drive
// letter applies on Windows, and the working directory is the fallback.
func resolveScanRoot(root, drive string) string {
	if root != "" {
		return root
	}
	if runtime.GOOS == "windows" && drive != "" {
		return drive + `:\`
	}
	return ""
}

func splitSkipNames(commaSeparated string) []string {
	if commaSeparated == "" {
		return nil
	}
	parts := strings.Split(commaSeparated, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

func createCacheCommand() *cobra.Command {
	cacheCommand := &cobra.Command{
		Use:   cacheUse,
		Short: cacheShortDescription,
	}
	var cacheDir string
	infoCommand := &cobra.Command{
		Use:          cacheInfoUse,
		Short:        cacheInfoShortDescription,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(command *cobra.Command, arguments []string) error {
			cachePath, cachePathError := config.ResolveCachePath(cacheDir)
			if cachePathError != nil {
				return cachePathError
			}
			information, infoError := cache.Info(cachePath)
			if infoError != nil {
				return infoError
			}
			if information == nil {
				return fmt.Errorf(cacheMissingMessage, cachePath)
			}
			fmt.Printf(cacheInfoFormat,
				time.Unix(information.CreatedAt, 0).UTC().Format(time.RFC3339),
				utils.FormatCount(information.NodeCount),
				utils.FormatFileSize(information.Bytes))
			return nil
		},
	}
	infoCommand.Flags().StringVar(&cacheDir, cacheDirFlagName, "", "cache directory override")
	cacheCommand.AddCommand(infoCommand)
	return cacheCommand
}
