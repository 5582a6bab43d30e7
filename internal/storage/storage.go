// Package storage opens the SQLite ledger database, migrates the schema,
// and seeds the category reference data.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"finbot/internal/logging"
	"finbot/internal/models"
)

// Open connects to the SQLite database at path, creating parent directories
// as needed, migrates the schema, and seeds categories from categoriesFile
// (built-in defaults apply when the file is absent).
func Open(path, categoriesFile string, log logging.Logger) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// SQLite leaves foreign keys off unless asked.
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := SeedCategories(db, categoriesFile, log); err != nil {
		return nil, fmt.Errorf("failed to seed categories: %w", err)
	}

	log.Info("database ready", logging.F("path", path))
	return db, nil
}

// UpsertGroup registers a chat the assistant participates in, reactivating
// it if it was previously marked inactive.
func UpsertGroup(db *gorm.DB, chatID, name string) error {
	var group models.Group
	err := db.Where("chat_id = ?", chatID).First(&group).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		return db.Create(&models.Group{ChatID: chatID, Name: name, Active: true}).Error
	case err != nil:
		return err
	default:
		return db.Model(&group).Updates(map[string]any{"name": name, "active": true}).Error
	}
}
