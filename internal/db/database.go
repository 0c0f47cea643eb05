package db

import (
	"fmt"
	stlog "log" // GORM's logger.New expects a standard log.Logger
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log" // Use zerolog's global logger
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens the ledger database using the provided SQLite DSN.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	// Map the global zerolog level onto GORM's coarser levels.
	var gormLogLevel gormlogger.LogLevel
	switch zerolog.GlobalLevel() {
	case zerolog.Disabled, zerolog.PanicLevel, zerolog.FatalLevel:
		gormLogLevel = gormlogger.Silent
	case zerolog.ErrorLevel:
		gormLogLevel = gormlogger.Error
	case zerolog.WarnLevel, zerolog.InfoLevel:
		gormLogLevel = gormlogger.Warn
	default: // Debug, Trace
		gormLogLevel = gormlogger.Info
	}

	newLogger := gormlogger.New(
		stlog.New(log.Logger, "", 0), // zerolog's global logger as the writer for GORM
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false, // Zerolog handles coloring on console output
		},
	)

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection so
	// ":memory:" databases are also shared by every caller.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	log.Info().Str("dsn", dsn).Msg("Database connection established successfully.")
	return gdb, nil
}

// Migrate runs GORM's AutoMigrate for the given models.
func Migrate(gdb *gorm.DB, modelsToMigrate ...interface{}) error {
	if gdb == nil {
		return fmt.Errorf("database not initialized, call Open first")
	}
	if len(modelsToMigrate) == 0 {
		return fmt.Errorf("no models provided for migration")
	}

	if err := gdb.AutoMigrate(modelsToMigrate...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	log.Info().Int("models_migrated", len(modelsToMigrate)).Msg("Database migration completed successfully for provided models.")
	return nil
}
