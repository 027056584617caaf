package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all agent configuration
type Config struct {
	Environment string `mapstructure:"environment"`
	PrinterID   string `mapstructure:"printer_id"`
	LogLevel    string `mapstructure:"logging.level"`
	LogFormat   string `mapstructure:"logging.format"`
	Listen      ListenConfig
	Database    DatabaseConfig
	Sync        SyncConfig
	Drain       DrainConfig
	API         APIConfig
}

// ListenConfig describes the printer stream source.
type ListenConfig struct {
	Mode      string        `mapstructure:"listen.mode"`
	Address   string        `mapstructure:"listen.address"`
	BaseDelay time.Duration `mapstructure:"listen.reconnect_base_delay"`
	MaxDelay  time.Duration `mapstructure:"listen.reconnect_max_delay"`
}

// DatabaseConfig holds local store configuration
type DatabaseConfig struct {
	Path string `mapstructure:"database.path"`
}

// SyncConfig holds collection endpoint configuration
type SyncConfig struct {
	URL         string        `mapstructure:"sync.url"`
	APIKey      string        `mapstructure:"sync.api_key"`
	Timeout     time.Duration `mapstructure:"sync.timeout"`
	MaxAttempts int           `mapstructure:"sync.max_attempts"`
	RetryDelay  time.Duration `mapstructure:"sync.retry_delay"`
	// Offline runs the agent without a collection endpoint; everything
	// queues locally until replayed.
	Offline bool `mapstructure:"sync.offline"`
}

// DrainConfig holds the background queue drain settings.
type DrainConfig struct {
	Interval time.Duration `mapstructure:"drain.interval"`
}

// APIConfig holds the local control server settings.
type APIConfig struct {
	Enabled bool   `mapstructure:"api.enabled"`
	Address string `mapstructure:"api.address"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AddConfigPath(path)
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		// Continue without a file - ENV vars and defaults are enough for a
		// till deployment.
	}

	// Enable environment variables to override config
	v.SetEnvPrefix("POSAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return config, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("printer_id", "")

	v.SetDefault("listen.mode", "tcp")
	v.SetDefault("listen.address", "0.0.0.0:9100")
	v.SetDefault("listen.reconnect_base_delay", "5s")
	v.SetDefault("listen.reconnect_max_delay", "60s")

	v.SetDefault("database.path", "pos-agent.db")

	v.SetDefault("sync.url", "http://localhost:8080")
	v.SetDefault("sync.api_key", "")
	v.SetDefault("sync.timeout", "10s")
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.retry_delay", "2s")
	v.SetDefault("sync.offline", false)

	v.SetDefault("drain.interval", "30s")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.address", "127.0.0.1:8089")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
