package database

import (
	"fmt"

	"github.com/chxlky/boardhooks/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the sqlite file at dbPath and migrates the schema.
func Open(dbPath string) (*gorm.DB, error) {
	dbFile := sqlite.Open(dbPath)
	db, err := gorm.Open(dbFile, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite allows one writer; serialise through a single connection.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.ScheduledTask{}, &models.AutomationRun{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func Init(dbPath string) *gorm.DB {
	db, err := Open(dbPath)
	if err != nil {
		zap.L().Fatal("Failed to initialise database", zap.Error(err))
	}

	zap.L().Info("Database initialised and migrated successfully", zap.String("path", dbPath))

	return db
}
