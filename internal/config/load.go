package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config.yaml next to the binary or in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables use the FILEPROC_ prefix with underscores for
	// nesting, e.g. FILEPROC_SERVER_PORT, FILEPROC_DATABASE_URL.
	v.SetEnvPrefix("FILEPROC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)
	v.SetDefault("janitor.enabled", false)
	v.SetDefault("janitor.schedule", "*/5 * * * *")
	v.SetDefault("janitor.stuck_after", 30*time.Minute)
}

// bindEnvKeys registers every config key explicitly. AutomaticEnv alone only
// resolves keys viper has already seen, which misses fields that have no
// default and appear in no config file.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.port",
		"server.log_level",
		"database.url",
		"redis.addr",
		"redis.password",
		"redis.db",
		"worker.concurrency",
		"worker.shutdown_timeout",
		"janitor.enabled",
		"janitor.schedule",
		"janitor.stuck_after",
	}
	for _, key := range keys {
		// BindEnv with one argument uses the prefix and replacer.
		_ = v.BindEnv(key)
	}
}
