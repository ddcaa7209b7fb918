// Package config resolves runtime settings for the ptree CLI: defaults from
// an optional configuration file, environment-driven cache directory
// selection, and the merge rules between them. Flags always win; the caller
// applies them on top of the loaded settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is looked up in the home directory and the working
	// directory; the local file overrides the global one.
	ConfigFileName = ".ptree.yaml"

	cacheSubdirectoryName = "ptree"
	cacheFileName         = "ptree.dat"

	environmentXDGCacheHome = "XDG_CACHE_HOME"
	environmentAppData      = "APPDATA"
	environmentHome         = "HOME"
)

// Settings holds defaults a configuration file may provide. Pointer fields
// distinguish "unset" from an explicit zero.
type Settings struct {
	Format          string   `mapstructure:"format"`
	Color           string   `mapstructure:"color"`
	CacheTTLSeconds *int64   `mapstructure:"cache_ttl"`
	CacheDir        string   `mapstructure:"cache_dir"`
	Skip            []string `mapstructure:"skip"`
	Threads         *int     `mapstructure:"threads"`
}

// LoadSettings merges the global (home directory) and local (working
// directory) configuration files. Missing files are not an error.
func LoadSettings(workingDirectory string) (Settings, error) {
	var merged Settings
	if homeDirectory, homeError := os.UserHomeDir(); homeError == nil && homeDirectory != "" {
		globalSettings, loadError := loadSettingsFromPath(filepath.Join(homeDirectory, ConfigFileName))
		if loadError != nil {
			return Settings{}, loadError
		}
		merged = merged.Merge(globalSettings)
	}
	if workingDirectory != "" {
		localSettings, loadError := loadSettingsFromPath(filepath.Join(workingDirectory, ConfigFileName))
		if loadError != nil {
			return Settings{}, loadError
		}
		merged = merged.Merge(localSettings)
	}
	return merged, nil
}

func loadSettingsFromPath(path string) (Settings, error) {
	information, statError := os.Stat(path)
	if statError != nil {
		if os.IsNotExist(statError) {
			return Settings{}, nil
		}
		return Settings{}, fmt.Errorf("stat configuration %s: %w", path, statError)
	}
	if information.IsDir() {
		return Settings{}, fmt.Errorf("configuration path %s is a directory", path)
	}

	reader := viper.New()
	reader.SetConfigFile(path)
	reader.SetConfigType("yaml")
	if readError := reader.ReadInConfig(); readError != nil {
		return Settings{}, fmt.Errorf("read configuration from %s: %w", path, readError)
	}
	var settings Settings
	if decodeError := reader.Unmarshal(&settings); decodeError != nil {
		return Settings{}, fmt.Errorf("decode configuration from %s: %w", path, decodeError)
	}
	return settings, nil
}

// Merge overlays override onto the receiver returning the combined settings.
func (s Settings) Merge(override Settings) Settings {
	result := s
	if override.Format != "" {
		result.Format = override.Format
	}
	if override.Color != "" {
		result.Color = override.Color
	}
	if override.CacheTTLSeconds != nil {
		cloned := *override.CacheTTLSeconds
		result.CacheTTLSeconds = &cloned
	}
	if override.CacheDir != "" {
		result.CacheDir = override.CacheDir
	}
	if len(override.Skip) > 0 {
		result.Skip = append([]string{}, override.Skip...)
	}
	if override.Threads != nil {
		cloned := *override.Threads
		result.Threads = &cloned
	}
	return result
}

// ResolveCachePath returns the effective cache file location. An explicit
// directory override wins; otherwise the platform cache directory is chosen
// from XDG_CACHE_HOME, APPDATA on Windows, or a HOME fallback.
func ResolveCachePath(overrideDirectory string) (string, error) {
	if overrideDirectory != "" {
		return filepath.Join(overrideDirectory, cacheSubdirectoryName, cacheFileName), nil
	}
	if xdgCacheHome := os.Getenv(environmentXDGCacheHome); xdgCacheHome != "" {
		return filepath.Join(xdgCacheHome, cacheSubdirectoryName, cacheFileName), nil
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv(environmentAppData); appData != "" {
			return filepath.Join(appData, cacheSubdirectoryName, cacheFileName), nil
		}
	}
	if home := os.Getenv(environmentHome); home != "" {
		return filepath.Join(home, ".cache", cacheSubdirectoryName, cacheFileName), nil
	}
	homeDirectory, homeError := os.UserHomeDir()
	if homeError != nil {
		return "", fmt.Errorf("no cache directory available: %w", homeError)
	}
	return filepath.Join(homeDirectory, ".cache", cacheSubdirectoryName, cacheFileName), nil
}
