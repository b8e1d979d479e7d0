package database

import (
	"gorm.io/gorm"

	"github.com/yeremiapane/table-sessions/models"
	"github.com/yeremiapane/table-sessions/utils"
)

// Migrate creates or updates the four session collections and the staff table.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Staff{},
		&models.TableSession{},
		&models.Order{},
		&models.OrderLineItem{},
		&models.Payment{},
		&models.AuditEntry{},
	)
	if err != nil {
		return err
	}
	utils.InfoLogger.Println("AutoMigrate completed.")
	return nil
}
