package dbhelper

import (
	"fmt"

	"fashionpipeline/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func SetupCleaner(db *gorm.DB) func() {
	return func() {
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped().Delete(&models.PipelineJob{})
	}
}

func Migrate(db *gorm.DB, model interface{}) {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Fatal().Err(err).Str("model", fmt.Sprintf("%T", model)).Msg("migration failed")
	}
}
