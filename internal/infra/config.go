package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Postgres PostgresConfig

	// Redis configuration
	Redis RedisConfig

	// Docker configuration
	Docker DockerConfig

	// Build configuration
	Build BuildConfig

	// Auth configuration
	Auth AuthConfig

	// Logging configuration
	LogLevel string

	// Worker configuration
	WorkerConcurrency int
}

type ServerConfig struct {
	Addr string
	Port string
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// Computed connection string
	DSN string
}

type RedisConfig struct {
	Host string
	Port int
	// Computed connection string
	Addr string
}

type DockerConfig struct {
	Host     string
	PullBase bool
}

type BuildConfig struct {
	CacheDir   string
	CloneDir   string
	RunTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret    string
	JWTExpiry    int    // in seconds
	AdminKeyHash string // bcrypt hash of the admin API key
}

// LoadConfig loads configuration using viper with support for:
// - Environment variables
// - .env files
// - Default values
// Fails fast on missing required configs
func LoadConfig() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	// Config file is optional; env vars take precedence.
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Addr: viper.GetString("server.addr"),
			Port: viper.GetString("server.port"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("postgres.host"),
			Port:     viper.GetInt("postgres.port"),
			User:     viper.GetString("postgres.user"),
			Password: viper.GetString("postgres.password"),
			Database: viper.GetString("postgres.database"),
			SSLMode:  viper.GetString("postgres.sslmode"),
		},
		Redis: RedisConfig{
			Host: viper.GetString("redis.host"),
			Port: viper.GetInt("redis.port"),
		},
		Docker: DockerConfig{
			Host:     viper.GetString("docker.host"),
			PullBase: viper.GetBool("docker.pull_base"),
		},
		Build: BuildConfig{
			CacheDir:   viper.GetString("build.cache_dir"),
			CloneDir:   viper.GetString("build.clone_dir"),
			RunTimeout: viper.GetDuration("build.run_timeout"),
		},
		Auth: AuthConfig{
			JWTSecret:    viper.GetString("auth.jwt_secret"),
			JWTExpiry:    viper.GetInt("auth.jwt_expiry"),
			AdminKeyHash: viper.GetString("auth.admin_key_hash"),
		},
		LogLevel:          viper.GetString("log.level"),
		WorkerConcurrency: viper.GetInt("worker.concurrency"),
	}

	config.Postgres.DSN = buildPostgresDSN(config.Postgres)
	config.Redis.Addr = fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.addr", "0.0.0.0")
	viper.SetDefault("server.port", "8080")

	// Postgres defaults
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "")
	viper.SetDefault("postgres.database", "layerforge")
	viper.SetDefault("postgres.sslmode", "disable")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)

	// Docker defaults
	viper.SetDefault("docker.host", "unix:///var/run/docker.sock")
	viper.SetDefault("docker.pull_base", true)

	// Build defaults
	viper.SetDefault("build.cache_dir", "/var/lib/layerforge/cache")
	viper.SetDefault("build.clone_dir", "/var/lib/layerforge/contexts")
	viper.SetDefault("build.run_timeout", "15m")

	// Auth defaults
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.jwt_expiry", 3600) // 1 hour
	viper.SetDefault("auth.admin_key_hash", "")

	// Logging defaults
	viper.SetDefault("log.level", "info")

	// Worker defaults
	viper.SetDefault("worker.concurrency", 2)
}

func buildPostgresDSN(pg PostgresConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode)
}

func validateConfig(config *Config) error {
	var missing []string

	if config.Postgres.Password == "" && config.Postgres.Host != "localhost" {
		missing = append(missing, "POSTGRES_PASSWORD")
	}
	if config.Postgres.Database == "" {
		missing = append(missing, "POSTGRES_DATABASE")
	}
	if config.Auth.JWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if config.Auth.AdminKeyHash == "" {
		missing = append(missing, "AUTH_ADMIN_KEY_HASH")
	}
	if config.Docker.Host == "" {
		missing = append(missing, "DOCKER_HOST")
	}
	if config.Build.CacheDir == "" {
		missing = append(missing, "BUILD_CACHE_DIR")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}
