package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fashionpipeline/models"
	"fashionpipeline/pipeline"
	"fashionpipeline/tasks"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type JobImageIn struct {
	URL string `json:"url" validate:"required,url"`
}

type CreateJobIn struct {
	GarmentImages []JobImageIn `json:"garmentImages" validate:"required,min=1,max=2,dive"`
	ImageType     string       `json:"imageType" validate:"omitempty,oneof=studio lifestyle"`
}

type JobResponse struct {
	ID            string                    `json:"id"`
	Status        string                    `json:"status"`
	ImageType     string                    `json:"imageType"`
	GarmentImages []string                  `json:"garmentImages"`
	Analysis      *models.AnalysisResult    `json:"analysis,omitempty"`
	FrontImage    *string                   `json:"frontImage,omitempty"`
	Prompts       []models.RefinedPrompt    `json:"prompts,omitempty"`
	Items         []pipeline.GenerationItem `json:"items"`
	Error         *string                   `json:"error,omitempty"`
	Duration      *float64                  `json:"duration,omitempty"`
	CreatedAt     string                    `json:"createdAt"`
	UpdatedAt     string                    `json:"updatedAt"`
}

func decodeColumn(raw *string, out interface{}) {
	if raw == nil || *raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(*raw), out); err != nil {
		log.Warn().Err(err).Msg("malformed job column")
	}
}

func NewJobResponse(job models.PipelineJob) JobResponse {
	response := JobResponse{
		ID:         job.PublicID,
		Status:     job.Status,
		ImageType:  job.ImageType,
		FrontImage: job.FrontImageURL,
		Error:      job.ErrorMessage,
		Duration:   job.Duration,
		Items:      []pipeline.GenerationItem{},
		CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  job.UpdatedAt.Format(time.RFC3339),
	}
	decodeColumn(&job.GarmentImagesJSON, &response.GarmentImages)
	decodeColumn(job.AnalysisJSON, &response.Analysis)
	decodeColumn(job.PromptsJSON, &response.Prompts)
	decodeColumn(job.ItemsJSON, &response.Items)
	return response
}

// JobController queues simple-mode runs for the worker.
type JobController struct{}

func (controller *JobController) JobRoutes(g *echo.Group) {
	g.POST("", controller.CreateJob)
	g.GET("/:id", controller.GetJob)
}

func jobBackends(c echo.Context) (*gorm.DB, tasks.Enqueuer, bool) {
	db, _ := c.Get("__db").(*gorm.DB)
	enqueuer, _ := c.Get("__asynqclient").(tasks.Enqueuer)
	return db, enqueuer, db != nil && enqueuer != nil
}

func (controller *JobController) CreateJob(c echo.Context) error {
	db, enqueuer, ok := jobBackends(c)
	if !ok {
		return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Background jobs are not configured"})
	}
	var req CreateJobIn
	if ok, err := bindValid(c, &req); !ok {
		return err
	}
	imageType := req.ImageType
	if imageType == "" {
		imageType = string(pipeline.ImageTypeStudio)
	}
	urls := make([]string, len(req.GarmentImages))
	for i, image := range req.GarmentImages {
		urls[i] = image.URL
	}
	garments, _ := json.Marshal(urls)

	job := models.PipelineJob{
		PublicID:          uuid.NewString(),
		ImageType:         imageType,
		Status:            tasks.JobStatusPending,
		GarmentImagesJSON: string(garments),
	}
	if err := db.Create(&job).Error; err != nil {
		return failure(c, http.StatusInternalServerError, "Failed to create job.", err)
	}
	info, err := tasks.EnqueuePipelineRun(enqueuer, job.ID)
	if err != nil {
		db.Model(&job).Updates(map[string]interface{}{"status": string(pipeline.StageError), "error_message": "Failed to queue job"})
		return failure(c, http.StatusInternalServerError, "Failed to queue job.", err)
	}
	log.Info().Uint("job_id", job.ID).Str("task_id", info.ID).Int("garments", len(urls)).Msg("pipeline job queued")
	return c.JSON(http.StatusAccepted, NewJobResponse(job))
}

func (controller *JobController) GetJob(c echo.Context) error {
	db, _, _ := jobBackends(c)
	if db == nil {
		return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "Background jobs are not configured"})
	}
	var job models.PipelineJob
	result := db.Where("public_id = ?", c.Param("id")).Take(&job)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Job not found"})
	}
	if result.Error != nil {
		return failure(c, http.StatusInternalServerError, "Failed to load job.", result.Error)
	}
	return c.JSON(http.StatusOK, NewJobResponse(job))
}
