package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/browserwatch/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BROWSERWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("browser.executable_path", cfg.Browser.ExecutablePath)
	v.SetDefault("browser.user_data_dir", cfg.Browser.UserDataDir)
	v.SetDefault("browser.profile_directory", cfg.Browser.ProfileDirectory)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.args", cfg.Browser.Args)
	v.SetDefault("browser.ignore_default_args", cfg.Browser.IgnoreDefaultArgs)
	v.SetDefault("browser.window_width", cfg.Browser.WindowWidth)
	v.SetDefault("browser.window_height", cfg.Browser.WindowHeight)
	v.SetDefault("browser.disable_default_extensions", cfg.Browser.DisableDefaultExtensions)
	v.SetDefault("launch.max_attempts", cfg.Launch.MaxAttempts)
	v.SetDefault("launch.retry_backoff_ms", cfg.Launch.RetryBackoffMillis)
	v.SetDefault("launch.startup_timeout_seconds", cfg.Launch.StartupTimeoutSeconds)
	v.SetDefault("launch.terminate_timeout_seconds", cfg.Launch.TerminateTimeoutSeconds)
	v.SetDefault("launch.install_command", cfg.Launch.InstallCommand)
	v.SetDefault("launch.install_timeout_seconds", cfg.Launch.InstallTimeoutSeconds)
	v.SetDefault("launch.browsers_path", cfg.Launch.BrowsersPath)
	v.SetDefault("launch.temp_dir", cfg.Launch.TempDir)
	v.SetDefault("network.stale_after_seconds", cfg.Network.StaleAfterSeconds)
	v.SetDefault("network.deny_domains", cfg.Network.DenyDomains)
	v.SetDefault("network.replace_default_deny", cfg.Network.ReplaceDefaultDeny)
	v.SetDefault("tabs.overlay_label", cfg.Tabs.OverlayLabel)
	v.SetDefault("logging.level", cfg.Logging.Level)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if _, err := schema.NormalizeProfile(cfg.Profile()); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	if cfg.Launch.MaxAttempts < 1 {
		return fmt.Errorf("launch.max_attempts must be at least 1")
	}
	if cfg.Launch.RetryBackoffMillis < 0 {
		return fmt.Errorf("launch.retry_backoff_ms must not be negative")
	}
	if cfg.Launch.StartupTimeoutSeconds <= 0 {
		return fmt.Errorf("launch.startup_timeout_seconds must be positive")
	}
	if cfg.Network.StaleAfterSeconds <= 0 {
		return fmt.Errorf("network.stale_after_seconds must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "error":
	default:
		return fmt.Errorf("unsupported logging.level %q", cfg.Logging.Level)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Browser.ExecutablePath = expandEnv(cfg.Browser.ExecutablePath)
	cfg.Browser.UserDataDir = expandEnv(cfg.Browser.UserDataDir)
	cfg.Launch.BrowsersPath = expandEnv(cfg.Launch.BrowsersPath)
	cfg.Launch.TempDir = expandEnv(cfg.Launch.TempDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
