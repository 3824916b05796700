package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Janitor  JanitorConfig  `mapstructure:"janitor"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// RedisConfig contains the connection settings for the durable task queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// WorkerConfig controls the task execution pool.
type WorkerConfig struct {
	// Concurrency is the number of tasks a worker process runs at once.
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0"`
	// ShutdownTimeout bounds how long a draining worker waits for running
	// tasks before giving up.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// JanitorConfig controls the orphaned-task sweep. Disabled unless turned on
// explicitly; run at most one janitor per deployment.
type JanitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Schedule is a cron expression for the sweep cadence.
	Schedule string `mapstructure:"schedule" validate:"required_if=Enabled true"`
	// StuckAfter is how long a task may sit in processing before the sweep
	// treats its worker as lost.
	StuckAfter time.Duration `mapstructure:"stuck_after" validate:"required_if=Enabled true,gte=0"`
}
