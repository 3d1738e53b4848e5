package config

import "time"

// Config is the top-level fixflow configuration, corresponding to .fixflow.yml.
type Config struct {
	Server   ServerConfig   `yaml:"server" koanf:"server"`
	Database DatabaseConfig `yaml:"database" koanf:"database"`
	Cache    CacheConfig    `yaml:"cache" koanf:"cache"`
	Sessions SessionsConfig `yaml:"sessions" koanf:"sessions"`
	Logging  LoggingConfig  `yaml:"logging" koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port" koanf:"port"`
	AllowAllOrigins bool          `yaml:"allow_all_origins" koanf:"allow_all_origins"`
	RequestTimeout  time.Duration `yaml:"request_timeout" koanf:"request_timeout"`
}

// DatabaseConfig points at the SQLite file holding graph and session data.
type DatabaseConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

// CacheConfig sizes the snapshot cache.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl" koanf:"ttl"`
	MaxSize         int           `yaml:"max_size" koanf:"max_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" koanf:"cleanup_interval"`
}

// SessionsConfig controls session abandonment.
type SessionsConfig struct {
	// AbandonAfter is how long an incomplete session may sit before the
	// reaper marks it abandoned.
	AbandonAfter time.Duration `yaml:"abandon_after" koanf:"abandon_after"`
	ReapInterval time.Duration `yaml:"reap_interval" koanf:"reap_interval"`
	// RejectAbandoned makes answers to abandoned sessions fail with a bad request.
	RejectAbandoned bool `yaml:"reject_abandoned" koanf:"reject_abandoned"`
}

// LoggingConfig selects the zap preset and level.
type LoggingConfig struct {
	Environment string `yaml:"environment" koanf:"environment"`
	Level       string `yaml:"level" koanf:"level"`
}
