package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/docsassist/ai-help/internal/help"
	"github.com/docsassist/ai-help/internal/history"
	"github.com/docsassist/ai-help/internal/models"
	"github.com/docsassist/ai-help/internal/quota"
)

// Connect opens the database and migrates the schema.
func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&quota.Record{},
		&history.Session{},
		&history.MessageRecord{},
		&help.Metadata{},
	)
}
