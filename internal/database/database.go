package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DB wraps the database connection and provides additional functionality
type DB struct {
	*gorm.DB
	config *Config
	logger *zap.SugaredLogger
}

// New creates a new database connection
func New(config *Config, logger *zap.SugaredLogger) (*DB, error) {
	var dialector gorm.Dialector

	switch config.Driver {
	case "postgres":
		dialector = postgres.Open(config.DSN)
	case "sqlite", "sqlite3": // Accept both "sqlite" and "sqlite3"
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &DB{
		DB:     db,
		config: config,
		logger: logger,
	}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate() error {
	m, err := migrate.New("file://migrations", db.config.MigrateURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		db.logger.Info("no migrations to run")
	}

	return nil
}

// AutoMigrate creates the schema from the models directly. Used by tests
// and sqlite deployments that do not ship the migrations directory.
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(
		&Connection{},
		&Receipt{},
		&DetectionCandidate{},
		&Subscription{},
	)
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
