package dbhelper

import (
	"fmt"
	"os"
	"testing"
	"time"

	"fashionpipeline/models"
	"fashionpipeline/services"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func SetupDB() *gorm.DB {
	db, err := gorm.Open(postgres.Open(
		fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			services.GetEnv("DB_USERNAME", ""),
			services.GetEnv("DB_PASSWORD", ""),
			services.GetEnv("DB_HOST", ""),
			services.GetEnv("DB_PORT", "5432"),
			services.GetEnv("DB_NAME", ""),
		),
	), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		panic(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Minute * 5)

	Migrate(db, &models.PipelineJob{})
	return db
}

// SetupTestDB connects to the database named by DB_* and skips the test when DB_HOST is unset.
func SetupTestDB(t testing.TB) *gorm.DB {
	if os.Getenv("DB_HOST") == "" {
		t.Skip("DB_HOST is not set, skipping database test")
	}
	return SetupDB()
}
