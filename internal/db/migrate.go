package db

import (
	"fmt"

	"github.com/zulandar/signalbox/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model owned by signalbox.
func AllModels() []interface{} {
	return []interface{}{
		&models.SessionRecord{},
		&models.SessionChunk{},
		&models.ActiveGroup{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("db: auto-migrate: db is required")
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
