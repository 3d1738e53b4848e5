package config

import "time"

// DefaultPath is where init writes the config and where commands look for it.
const DefaultPath = ".fixflow.yml"

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "data/fixflow.db",
		},
		Cache: CacheConfig{
			TTL:             10 * time.Minute,
			MaxSize:         100,
			CleanupInterval: 5 * time.Minute,
		},
		Sessions: SessionsConfig{
			AbandonAfter: time.Hour,
			ReapInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Environment: "development",
			Level:       "info",
		},
	}
}
