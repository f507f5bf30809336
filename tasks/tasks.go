package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fashionpipeline/models"
	"fashionpipeline/pipeline"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	TypePipelineRun   = "pipeline:run"
	TypeStaleJobSweep = "pipeline:sweep"
	QueueGenerate     = "generate"

	JobStatusPending = "pending"
)

// a job whose row has not changed for this long is considered abandoned
const StaleJobAge = time.Hour

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type PipelineRunPayload struct {
	JobID uint `json:"job_id"`
}

func NewPipelineRunTask(jobID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(PipelineRunPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePipelineRun, payload), nil
}

// EnqueuePipelineRun queues a job without automatic retries; provider failures are final.
func EnqueuePipelineRun(client Enqueuer, jobID uint) (*asynq.TaskInfo, error) {
	task, err := NewPipelineRunTask(jobID)
	if err != nil {
		return nil, err
	}
	return client.Enqueue(task, asynq.MaxRetry(0), asynq.Queue(QueueGenerate), asynq.Timeout(15*time.Minute))
}

func NewStaleJobSweepTask() *asynq.Task {
	return asynq.NewTask(TypeStaleJobSweep, []byte{})
}

// JobStatus maps a run stage to the persisted job status.
func JobStatus(run pipeline.Run) string {
	if run.Stage == "" || run.Stage == pipeline.StageIdle {
		return JobStatusPending
	}
	return string(run.Stage)
}

// JobUpdates is the column set persisted for a run snapshot.
func JobUpdates(run pipeline.Run) map[string]interface{} {
	updates := map[string]interface{}{
		"run_id":     run.ID,
		"status":     JobStatus(run),
		"image_type": string(run.ImageType),
	}
	if run.Analysis != nil {
		updates["analysis_json"] = jsonText(run.Analysis)
	}
	if run.FrontImage != "" {
		updates["front_image_url"] = run.FrontImage
	}
	if len(run.Prompts) > 0 {
		updates["prompts_json"] = jsonText(run.Prompts)
	}
	updates["items_json"] = jsonText(run.Items)
	if run.Error != "" {
		updates["error_message"] = run.Error
	}
	return updates
}

func jsonText(v interface{}) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

// jobRecorder writes every accepted run transition into the job row.
type jobRecorder struct {
	db    *gorm.DB
	jobID uint
}

func (r jobRecorder) record(_ string, run pipeline.Run) {
	err := r.db.Model(&models.PipelineJob{}).Where("id = ?", r.jobID).Updates(JobUpdates(run)).Error
	if err != nil {
		log.Error().Err(err).Uint("job_id", r.jobID).Str("stage", string(run.Stage)).Msg("failed to persist run state")
		sentry.CaptureException(err)
	}
}

func HandlePipelineRunTask(ctx context.Context, t *asynq.Task, db *gorm.DB, orchestrator *pipeline.Orchestrator) error {
	var payload PipelineRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("[Job] invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	var job models.PipelineJob
	if err := db.First(&job, payload.JobID).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Job: %v] error on retrieving job for processing: %w", payload.JobID, err))
		return err
	}
	if job.Status != JobStatusPending {
		log.Warn().Uint("job_id", job.ID).Str("status", job.Status).Msg("job already processed, skipping")
		return nil
	}

	var garmentURLs []string
	if err := json.Unmarshal([]byte(job.GarmentImagesJSON), &garmentURLs); err != nil {
		return fmt.Errorf("[Job: %v] malformed garment list: %v: %w", job.ID, err, asynq.SkipRetry)
	}

	session := pipeline.NewSession("job-"+job.PublicID, pipeline.ModeSimple)
	for i, u := range garmentURLs {
		// the images already live remotely, so the run never uploads them
		if _, err := session.AddAsset(pipeline.UploadedAsset{
			Role: pipeline.RoleGarment,
			Name: fmt.Sprintf("garment-%d", i+1),
			URL:  u,
		}); err != nil {
			return fmt.Errorf("[Job: %v] %v: %w", job.ID, err, asynq.SkipRetry)
		}
	}
	session.SetObserver(jobRecorder{db: db, jobID: job.ID}.record)

	started := time.Now()
	_, run := session.Replace(pipeline.NewRun(pipeline.ModeSimple, pipeline.ImageType(job.ImageType)))
	log.Info().Uint("job_id", job.ID).Str("run_id", run.ID).Int("garments", len(garmentURLs)).Msg("pipeline job started")

	runErr := orchestrator.RunSimple(ctx, session, run.ID)
	duration := time.Since(started).Seconds()
	if err := db.Model(&models.PipelineJob{}).Where("id = ?", job.ID).Update("duration", duration).Error; err != nil {
		log.Error().Err(err).Uint("job_id", job.ID).Msg("failed to persist duration")
	}
	if runErr != nil && !errors.Is(runErr, pipeline.ErrStaleRun) {
		// the failure is recorded on the job; the task itself succeeded
		sentry.CaptureException(fmt.Errorf("[Job: %v] pipeline failed: %w", job.ID, runErr))
		return nil
	}
	log.Info().Uint("job_id", job.ID).Float64("duration", duration).Msg("pipeline job finished")
	return nil
}

// HandleStaleJobSweepTask fails jobs that stopped making progress, for example after a worker crash.
func HandleStaleJobSweepTask(ctx context.Context, db *gorm.DB, maxAge time.Duration) (int64, error) {
	result := db.WithContext(ctx).Model(&models.PipelineJob{}).
		Where("status NOT IN ? AND updated_at < ?", []string{string(pipeline.StageDone), string(pipeline.StageError)}, time.Now().Add(-maxAge)).
		Updates(map[string]interface{}{
			"status":        string(pipeline.StageError),
			"error_message": "Job did not finish in time",
		})
	if result.Error != nil {
		sentry.CaptureException(result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Warn().Int64("jobs", result.RowsAffected).Msg("marked stale pipeline jobs as failed")
	}
	return result.RowsAffected, nil
}
