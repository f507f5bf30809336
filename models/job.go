package models

import "time"

type JsonModel struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PipelineJob is a simple-mode run executed by the worker.
type PipelineJob struct {
	JsonModel
	PublicID  string `gorm:"uniqueIndex;size:36" json:"public_id"`
	RunID     string `gorm:"size:36" json:"run_id"`
	ImageType string `json:"image_type"` // studio, lifestyle
	// Status mirrors the run stage: pending, analyzing, frontImage, qa, generatingImages, done, error
	Status string `json:"status"`
	// garment image URLs, JSON array
	GarmentImagesJSON string   `gorm:"type:text" json:"-"`
	AnalysisJSON      *string  `gorm:"type:text" json:"-"`
	FrontImageURL     *string  `json:"front_image_url"`
	PromptsJSON       *string  `gorm:"type:text" json:"-"`
	ItemsJSON         *string  `gorm:"type:text" json:"-"`
	ErrorMessage      *string  `gorm:"type:text" json:"error_message"`
	Duration          *float64 `json:"duration"` // in seconds
}
