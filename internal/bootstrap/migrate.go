package bootstrap

import (
	"anoa.com/residencenotify/internal/entity"
	"gorm.io/gorm"
)

// Migrate creates the notification tables and their indexes.
// Broadcast materialization relies on gen_random_uuid(), available from PostgreSQL 13.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entity.Notification{},
		&entity.UserNotification{},
	)
}
