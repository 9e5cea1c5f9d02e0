package db

import (
	"fmt"
	"log"

	"otp2p/internal/config"
	"otp2p/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB holds the connection the document, op log and snapshot stores share
type GormDB struct {
	*gorm.DB
}

// NewGorm connects to Postgres and migrates the hub's three tables
func NewGorm(cfg *config.Config) (*GormDB, error) {
	dsn := cfg.DatabaseURL()

	// Op appends are frequent, so only slow queries and errors are logged
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Ops reference their document by id; snapshots are pruned per document
	if err := db.AutoMigrate(
		&models.Document{},
		&models.OpRecord{},
		&models.Snapshot{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Println("✓ Document store connected and migrated")

	return &GormDB{db}, nil
}

// Close releases the underlying connection pool
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
