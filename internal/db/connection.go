package db

import (
	"fmt"
	"log"

	"github.com/psrpipe/pipeline/internal/config"
	"github.com/psrpipe/pipeline/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Connect initializes the database connection. TranslateError is required so
// unique-constraint violations surface as gorm.ErrDuplicatedKey on both
// backends.
func Connect(cfg *config.Config) {
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Error),
		TranslateError: true,
	}

	var err error
	switch cfg.DBDriver {
	case "sqlite":
		DB, err = gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
	default:
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)
		DB, err = gorm.Open(postgres.Open(dsn), gormCfg)
	}

	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
}

// Open returns a standalone connection without touching the package-level
// handle. Used by tests and one-shot tools.
func Open(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Error),
		TranslateError: true,
	}
	if cfg.DBDriver == "sqlite" {
		return gorm.Open(sqlite.Open(cfg.SQLitePath), gormCfg)
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
	return gorm.Open(postgres.Open(dsn), gormCfg)
}

// AutoMigrate runs database migrations for every persisted entity.
func AutoMigrate() {
	if err := Migrate(DB); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}
	log.Println("Database migrated successfully")
}

// Migrate applies the schema to the given connection.
func Migrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&models.User{},
		&models.Directory{},
		&models.Observation{},
		&models.File{},
		&models.Diagnostic{},
		&models.CalibrationDatabase{},
		&models.ObsLog{},
	)
}

// GetDB returns the database instance.
func GetDB() *gorm.DB {
	return DB
}
