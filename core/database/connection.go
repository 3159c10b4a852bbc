package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/uniboxhq/unibox/config"
)

// GlobalDB holds the singleton database connection
var GlobalDB *gorm.DB

// NewDatabase opens the database described by the global configuration and
// stores it in GlobalDB.
func NewDatabase() (*gorm.DB, error) {
	db, err := NewDatabaseWithCustomPath(config.DBURI)
	if err == nil {
		GlobalDB = db
	}
	return db, err
}

// NewDatabaseWithCustomPath allows opening a secondary database file (for
// SQLite) with the same global settings.
func NewDatabaseWithCustomPath(path string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch config.DBDriver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			config.DBHost,
			config.DBUser,
			config.DBPass,
			path, // Path acts as dbname in Postgres
			config.DBPort,
		)
		dialector = postgres.Open(dsn)
	case "sqlite", "": // Default to SQLite
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.DBDriver)
	}

	logLevel := logger.Warn
	if config.AppDebug {
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database (%s): %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if config.DBDriver == "sqlite" || config.DBDriver == "" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}
