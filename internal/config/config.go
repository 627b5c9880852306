package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr        string `mapstructure:"addr"`
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	Development bool   `mapstructure:"development"`

	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`

	// Derived
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Load reads configuration from an optional file, with CHATCORE_* environment
// variables overriding file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHATCORE")
	v.AutomaticEnv()

	v.SetDefault("addr", ":8080")
	v.SetDefault("driver", "sqlite3")
	v.SetDefault("dsn", "chatcore.db")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("development", false)
	v.SetDefault("read_timeout_seconds", 15)
	v.SetDefault("write_timeout_seconds", 15)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.ReadTimeout = time.Duration(cfg.ReadTimeoutSeconds) * time.Second
	cfg.WriteTimeout = time.Duration(cfg.WriteTimeoutSeconds) * time.Second
	return &cfg, nil
}
