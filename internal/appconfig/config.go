package appconfig

import (
	"os"
	"path/filepath"

	"pkt.systems/browserwatch/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	Browser       BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Launch        LaunchConfig  `mapstructure:"launch" yaml:"launch"`
	Network       NetworkConfig `mapstructure:"network" yaml:"network"`
	Tabs          TabsConfig    `mapstructure:"tabs" yaml:"tabs"`
	Logging       LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// BrowserConfig describes the browser profile to launch.
type BrowserConfig struct {
	ExecutablePath           string   `mapstructure:"executable_path" yaml:"executable_path"`
	UserDataDir              string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ProfileDirectory         string   `mapstructure:"profile_directory" yaml:"profile_directory"`
	Headless                 bool     `mapstructure:"headless" yaml:"headless"`
	Args                     []string `mapstructure:"args" yaml:"args"`
	IgnoreDefaultArgs        []string `mapstructure:"ignore_default_args" yaml:"ignore_default_args"`
	WindowWidth              int      `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight             int      `mapstructure:"window_height" yaml:"window_height"`
	DisableDefaultExtensions bool     `mapstructure:"disable_default_extensions" yaml:"disable_default_extensions"`
}

// LaunchConfig controls process supervision.
type LaunchConfig struct {
	MaxAttempts             int      `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryBackoffMillis      int      `mapstructure:"retry_backoff_ms" yaml:"retry_backoff_ms"`
	StartupTimeoutSeconds   int      `mapstructure:"startup_timeout_seconds" yaml:"startup_timeout_seconds"`
	TerminateTimeoutSeconds int      `mapstructure:"terminate_timeout_seconds" yaml:"terminate_timeout_seconds"`
	InstallCommand          []string `mapstructure:"install_command" yaml:"install_command"`
	InstallTimeoutSeconds   int      `mapstructure:"install_timeout_seconds" yaml:"install_timeout_seconds"`
	BrowsersPath            string   `mapstructure:"browsers_path" yaml:"browsers_path"`
	TempDir                 string   `mapstructure:"temp_dir" yaml:"temp_dir"`
}

// NetworkConfig controls the network stability tracker.
type NetworkConfig struct {
	StaleAfterSeconds int `mapstructure:"stale_after_seconds" yaml:"stale_after_seconds"`
	// DenyDomains are added to the built-in advertising deny list.
	DenyDomains []string `mapstructure:"deny_domains" yaml:"deny_domains"`
	// ReplaceDefaultDeny drops the built-in deny list.
	ReplaceDefaultDeny bool `mapstructure:"replace_default_deny" yaml:"replace_default_deny"`
}

// TabsConfig controls tab maintenance.
type TabsConfig struct {
	// OverlayLabel overrides the session label shown on blank tabs.
	OverlayLabel string `mapstructure:"overlay_label" yaml:"overlay_label"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Browser: BrowserConfig{
			ProfileDirectory:  schema.DefaultProfileDirectory,
			Headless:          false,
			Args:              []string{},
			IgnoreDefaultArgs: []string{},
			WindowWidth:       schema.DefaultWindowWidth,
			WindowHeight:      schema.DefaultWindowHeight,
		},
		Launch: LaunchConfig{
			MaxAttempts:             3,
			RetryBackoffMillis:      500,
			StartupTimeoutSeconds:   30,
			TerminateTimeoutSeconds: 5,
			InstallCommand:          []string{"npx", "--yes", "playwright", "install", "chromium"},
			InstallTimeoutSeconds:   60,
		},
		Network: NetworkConfig{
			StaleAfterSeconds: 10,
			DenyDomains:       []string{},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}, nil
}

// Profile returns the browser section as a launch profile.
func (c Config) Profile() schema.BrowserProfile {
	b := c.Browser
	return schema.BrowserProfile{
		ExecutablePath:           b.ExecutablePath,
		UserDataDir:              b.UserDataDir,
		ProfileDirectory:         b.ProfileDirectory,
		Headless:                 b.Headless,
		Args:                     append([]string(nil), b.Args...),
		IgnoreDefaultArgs:        append([]string(nil), b.IgnoreDefaultArgs...),
		WindowWidth:              b.WindowWidth,
		WindowHeight:             b.WindowHeight,
		DisableDefaultExtensions: b.DisableDefaultExtensions,
	}
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".browserwatch", "config.yaml"), nil
}
