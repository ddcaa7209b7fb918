package utils

import "runtime/debug"

const unknownVersion = "unknown"

// GetApplicationVersion reports the module version recorded in the build
// info, or "unknown" for development builds.
func GetApplicationVersion() string {
	buildInfo, buildInfoAvailable := debug.ReadBuildInfo()
	if buildInfoAvailable && buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		return buildInfo.Main.Version
	}
	return unknownVersion
}
