package database

import (
	"fmt"
	"os"
	"path/filepath"

	appconfig "github.com/looprock/subscan/internal/config"
)

// Config holds database configuration
type Config struct {
	Driver     string
	DSN        string
	MigrateURL string
}

// ConfigFromApp builds the database configuration from the application
// configuration, constructing driver-specific DSN and migrate URLs.
func ConfigFromApp(cfg *appconfig.Config) (*Config, error) {
	switch cfg.Database.Driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User,
			cfg.Database.Name, cfg.Database.SSLMode)
		if cfg.Database.Password != "" {
			dsn += fmt.Sprintf(" password=%s", cfg.Database.Password)
		}
		migrateURL := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.User, cfg.Database.Password, cfg.Database.Host,
			cfg.Database.Port, cfg.Database.Name, cfg.Database.SSLMode)
		return &Config{Driver: "postgres", DSN: dsn, MigrateURL: migrateURL}, nil

	case "sqlite", "sqlite3":
		dbPath := cfg.Database.Path
		// Ensure the directory exists
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return &Config{
			Driver:     "sqlite",
			DSN:        dbPath,
			MigrateURL: fmt.Sprintf("sqlite3://%s", dbPath),
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
