package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Database Configuration
	Database struct {
		Driver   string
		Path     string // For SQLite
		Host     string // For PostgreSQL
		Port     int    // For PostgreSQL
		User     string // For PostgreSQL
		Password string // For PostgreSQL
		Name     string // For PostgreSQL
		SSLMode  string // For PostgreSQL
	}

	// Admin Server Configuration
	AdminServer struct {
		Host       string
		Port       int
		APIKeyHash string // bcrypt hash of the admin API key
	}

	// Mail provider API Configuration
	Provider struct {
		BaseURL        string
		PageSize       int
		MaxRetries     int
		TimeoutSeconds int
	}

	// Scanner Configuration
	Scanner struct {
		IntervalSeconds int
		MaxBodyBytes    int
	}

	// Quota service Configuration (optional; empty BaseURL disables)
	Quota struct {
		BaseURL string
		Token   string
	}

	// Secret store Configuration for provider access tokens
	Secrets struct {
		BaseURL string
		Token   string
	}

	// SMTP forward-in receiver Configuration (optional)
	SMTP struct {
		Enabled      bool
		Host         string
		Port         int
		Domain       string
		MaxEmailSize int64
	}
}

// Load loads the configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Read config file
	v.SetConfigName("config")         // name of config file (without extension)
	v.SetConfigType("yaml")           // type of config file
	v.AddConfigPath(".")              // current directory
	v.AddConfigPath("$HOME/.subscan") // home directory
	v.AddConfigPath("/etc/subscan/")  // system directory

	// Read config file (if exists)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - that's ok, we'll use env vars and defaults
	}

	// Environment variables
	v.SetEnvPrefix("SUBSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "subscan.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "subscan")
	v.SetDefault("database.sslmode", "disable")

	// Admin server defaults
	v.SetDefault("adminserver.host", "0.0.0.0")
	v.SetDefault("adminserver.port", 8080)

	// Provider defaults
	v.SetDefault("provider.pagesize", 100)
	v.SetDefault("provider.maxretries", 5)
	v.SetDefault("provider.timeoutseconds", 30)

	// Scanner defaults
	v.SetDefault("scanner.intervalseconds", 900)
	v.SetDefault("scanner.maxbodybytes", 64*1024) // 64KB of body is plenty for receipts

	// SMTP forward-in defaults
	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.host", "0.0.0.0")
	v.SetDefault("smtp.port", 2525)
	v.SetDefault("smtp.maxemailsize", 10*1024*1024) // 10MB
}
