// Package config loads the engine configuration.
//
// Three layers: the main config file (viper, with GHBRIDGE_ environment
// overrides), the workspaces file (YAML, hot-reloaded by the registry),
// and optional per-project field mapping overrides (TOML files in the
// mappings directory).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the main engine configuration.
type Config struct {
	// DBPath is the SQLite database file shared by store and ledger.
	DBPath string `mapstructure:"db_path"`

	// ListenAddr is the webhook ingress bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// DashboardPort serves the status dashboard; 0 disables it.
	DashboardPort int `mapstructure:"dashboard_port"`

	// WebhookSecret validates incoming deliveries.
	WebhookSecret string `mapstructure:"webhook_secret"`

	// APIBaseURL overrides the remote API endpoint (self-hosted remotes).
	APIBaseURL string `mapstructure:"api_base_url"`

	// RatePerSecond is the per-installation request budget.
	RatePerSecond int `mapstructure:"rate_per_second"`

	// ReadOnly disables all remote mutations.
	ReadOnly bool `mapstructure:"read_only"`

	// BotLogin is the engine's own remote app identity.
	BotLogin string `mapstructure:"bot_login"`

	// WorkspacesFile locates the workspace topology YAML.
	WorkspacesFile string `mapstructure:"workspaces_file"`

	// MappingsDir holds per-project field mapping TOML files.
	MappingsDir string `mapstructure:"mappings_dir"`

	// LogFile enables rotated file logging when set.
	LogFile string `mapstructure:"log_file"`
}

// Defaults used when the config file leaves a key unset.
const (
	DefaultDBPath        = "ghbridge.db"
	DefaultListenAddr    = ":8480"
	DefaultRatePerSecond = 10
)

// Load reads the configuration. path may be empty, in which case the
// usual locations are searched; a missing file yields pure defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	// Every key gets a default so environment overrides bind during
	// Unmarshal even when the config file omits the key.
	v.SetDefault("db_path", DefaultDBPath)
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("dashboard_port", 0)
	v.SetDefault("webhook_secret", "")
	v.SetDefault("api_base_url", "")
	v.SetDefault("rate_per_second", DefaultRatePerSecond)
	v.SetDefault("read_only", false)
	v.SetDefault("bot_login", "")
	v.SetDefault("workspaces_file", "workspaces.yaml")
	v.SetDefault("mappings_dir", "")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("GHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("ghbridge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ghbridge"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	return &cfg, nil
}

// MappingSource returns a loader for per-project field mapping TOML
// files under dir. Missing files mean "no override".
func MappingSource(dir string) func(projectRef string) []byte {
	if dir == "" {
		return nil
	}
	return func(projectRef string) []byte {
		name := filepath.Base(projectRef) // no path escapes
		blob, err := os.ReadFile(filepath.Join(dir, name+".toml"))
		if err != nil {
			return nil
		}
		return blob
	}
}
