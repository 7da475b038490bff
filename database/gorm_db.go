package database

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/camden-git/datasetcurator/models"
)

const slowQueryThreshold = 200 * time.Millisecond

// InitGormDB initializes and returns a GORM database instance
func InitGormDB(dataSourceName string, logger *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(dataSourceName)), &gorm.Config{
		Logger:         NewGormLogger(logger, slowQueryThreshold),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}

	// sqlite allows one writer; readers proceed concurrently under WAL
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := applyPragmas(sqlDB, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("GORM database initialized", "path", dataSourceName)
	}
	return db, nil
}

// AutoMigrateModels creates or updates every table used by the curator.
func AutoMigrateModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.ImageAsset{},
		&models.DerivedImage{},
		&models.AnnotationModel{},
		&models.Tag{},
		&models.Caption{},
		&models.Score{},
		&models.Rating{},
		&models.ErrorRecord{},
	)
	if err != nil {
		return fmt.Errorf("GORM AutoMigrate failed: %w", err)
	}
	return nil
}

// Open is InitGormDB followed by AutoMigrateModels.
func Open(dataSourceName string, logger *slog.Logger) (*gorm.DB, error) {
	db, err := InitGormDB(dataSourceName, logger)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrateModels(db); err != nil {
		Close(db)
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}
	return sqlDB.Close()
}
