// Package config loads daemon configuration from environment variables and
// an optional YAML file, env taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	// SocketPath is the unix socket local agents dial.
	SocketPath string `mapstructure:"socket_path"`
	// WSAddr is the websocket listen address; empty disables it.
	WSAddr string `mapstructure:"ws_addr"`
	// HTTPAddr serves the orchestrator API and /metrics.
	HTTPAddr string `mapstructure:"http_addr"`

	DataDir   string `mapstructure:"data_dir"`
	ConfigDir string `mapstructure:"config_dir"`

	// StorageType selects the message store: "memory" or "bolt".
	StorageType string `mapstructure:"storage_type"`
	// StoragePath is the bolt database file; defaults under DataDir.
	StoragePath string `mapstructure:"storage_path"`
	// StorageURL reserves an external store DSN; unused by the built-in
	// adapters but kept so wrappers can pass it through.
	StorageURL string `mapstructure:"storage_url"`

	CloudURL string `mapstructure:"cloud_url"`
	APIKey   string `mapstructure:"api_key"`

	// Policy layering inputs.
	RepoConfigPath string `mapstructure:"repo_config_path"`
	StrictPolicy   bool   `mapstructure:"strict_policy"`

	// Delivery tuning.
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
	DeliveryTTL time.Duration `mapstructure:"delivery_ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`

	// Log settings.
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	AutoStartDaemons bool `mapstructure:"auto_start_daemons"`
}

// LoadConfig reads AGENT_RELAY_* environment variables plus an optional
// config.yaml in the config dir.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGENT_RELAY")
	v.AutomaticEnv()

	configDir := v.GetString("CONFIG_DIR")
	if configDir == "" {
		configDir = defaultConfigDir()
	}
	dataDir := v.GetString("DATA_DIR")
	if dataDir == "" {
		dataDir = filepath.Join(configDir, "data")
	}

	v.SetDefault("socket_path", filepath.Join(dataDir, "relay.sock"))
	v.SetDefault("ws_addr", "")
	v.SetDefault("http_addr", "127.0.0.1:3737")
	v.SetDefault("storage_type", "memory")
	v.SetDefault("storage_path", filepath.Join(dataDir, "messages.db"))
	v.SetDefault("ack_timeout", 2*time.Second)
	v.SetDefault("delivery_ttl", 60*time.Second)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("log_level", "info")
	v.SetDefault("auto_start_daemons", true)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{
		ConfigDir: configDir,
		DataDir:   dataDir,
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Env bindings that do not match mapstructure names.
	if s := v.GetString("STORAGE_TYPE"); s != "" {
		cfg.StorageType = s
	}
	if s := v.GetString("STORAGE_PATH"); s != "" {
		cfg.StoragePath = s
	}
	if s := v.GetString("STORAGE_URL"); s != "" {
		cfg.StorageURL = s
	}
	if s := v.GetString("CLOUD_URL"); s != "" {
		cfg.CloudURL = s
	}
	if s := v.GetString("API_KEY"); s != "" {
		cfg.APIKey = s
	}
	cfg.ConfigDir = configDir
	cfg.DataDir = dataDir

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.StorageType {
	case "memory", "bolt":
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage_type %q", c.StorageType))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("config: max_attempts must be at least 1"))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, errors.New("config: ack_timeout must be positive"))
	}
	if c.DeliveryTTL <= 0 {
		errs = append(errs, errors.New("config: delivery_ttl must be positive"))
	}
	if c.CloudURL != "" && c.APIKey == "" {
		errs = append(errs, errors.New("config: cloud_url set without api_key"))
	}
	return errors.Join(errs...)
}

// LocalPolicyDir is where user-level policy files live.
func (c *Config) LocalPolicyDir() string {
	return filepath.Join(c.ConfigDir, "policies")
}

// KeyDir is where agent signing keys live.
func (c *Config) KeyDir() string {
	return filepath.Join(c.ConfigDir, "keys")
}

// defaultConfigDir honors XDG_CONFIG_HOME before falling back to
// ~/.config/agent-relay.
func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "agent-relay")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-relay"
	}
	return filepath.Join(home, ".config", "agent-relay")
}
