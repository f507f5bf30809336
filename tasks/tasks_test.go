package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fashionpipeline/dbhelper"
	"fashionpipeline/models"
	"fashionpipeline/pipeline"
	"fashionpipeline/test"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringPtr(s string) *string {
	return &s
}

func newOrchestrator(analyzer *test.AnalyzerMock, synthesizer *test.SynthesizerMock) *pipeline.Orchestrator {
	assets := pipeline.NewAssetCache(&test.BlobStoreMock{}, time.Hour)
	return pipeline.NewOrchestrator(analyzer, synthesizer, assets, pipeline.Options{Logger: zerolog.Nop()})
}

func TestNewPipelineRunTask(t *testing.T) {
	task, err := NewPipelineRunTask(42)
	require.NoError(t, err)
	assert.Equal(t, TypePipelineRun, task.Type())

	var payload PipelineRunPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, uint(42), payload.JobID)
}

func TestJobStatus(t *testing.T) {
	run := pipeline.NewRun(pipeline.ModeSimple, pipeline.ImageTypeStudio)
	assert.Equal(t, JobStatusPending, JobStatus(run))

	run.Stage = pipeline.StageGeneratingImages
	assert.Equal(t, "generatingImages", JobStatus(run))
}

func TestJobUpdatesCarryRunState(t *testing.T) {
	run := pipeline.NewRun(pipeline.ModeSimple, pipeline.ImageTypeLifestyle)
	run, err := pipeline.Chain(
		pipeline.EnterStage(pipeline.StageAnalyzing),
		pipeline.WithAnalysis(*test.DefaultAnalysis()),
		pipeline.WithFrontImage("https://replicate.delivery/front.png"),
		pipeline.WithPrompts(test.DefaultPrompts(2)),
	)(run)
	require.NoError(t, err)

	updates := JobUpdates(run)
	assert.Equal(t, run.ID, updates["run_id"])
	assert.Equal(t, "lifestyle", updates["image_type"])
	assert.Equal(t, "https://replicate.delivery/front.png", updates["front_image_url"])
	assert.Contains(t, updates["analysis_json"], "initialJsonPrompt")
	assert.Contains(t, updates["prompts_json"], "refined prompt 1")
	assert.NotContains(t, updates, "error_message")

	failed, err := pipeline.Fail("boom")(run)
	require.NoError(t, err)
	assert.Equal(t, "boom", JobUpdates(failed)["error_message"])
	assert.Equal(t, "error", JobUpdates(failed)["status"])
}

func TestHandlePipelineRunTaskRejectsBadPayload(t *testing.T) {
	err := HandlePipelineRunTask(context.Background(), asynq.NewTask(TypePipelineRun, []byte("{")), nil, nil)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func createJob(t *testing.T, garments []string) models.PipelineJob {
	t.Helper()
	db := dbhelper.SetupTestDB(t)
	raw, _ := json.Marshal(garments)
	job := models.PipelineJob{
		PublicID:          uuid.NewString(),
		ImageType:         "studio",
		Status:            JobStatusPending,
		GarmentImagesJSON: string(raw),
	}
	require.NoError(t, db.Create(&job).Error)
	return job
}

func TestPipelineRunTaskPersistsResults(t *testing.T) {
	db := dbhelper.SetupTestDB(t)
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	job := createJob(t, []string{"https://blobs.example.com/shirt.png", "https://blobs.example.com/pants.png"})
	analyzer := &test.AnalyzerMock{Prompts: test.DefaultPrompts(3)}
	synthesizer := &test.SynthesizerMock{}

	task, err := NewPipelineRunTask(job.ID)
	require.NoError(t, err)
	require.NoError(t, HandlePipelineRunTask(context.Background(), task, db, newOrchestrator(analyzer, synthesizer)))

	var stored models.PipelineJob
	require.NoError(t, db.First(&stored, job.ID).Error)
	assert.Equal(t, "done", stored.Status)
	assert.NotEmpty(t, stored.RunID)
	require.NotNil(t, stored.FrontImageURL)
	require.NotNil(t, stored.Duration)
	assert.Nil(t, stored.ErrorMessage)

	var items []pipeline.GenerationItem
	require.NotNil(t, stored.ItemsJSON)
	require.NoError(t, json.Unmarshal([]byte(*stored.ItemsJSON), &items))
	require.Len(t, items, 3)
	assert.Equal(t, "studio-0", items[0].ID)
	for _, item := range items {
		assert.Equal(t, pipeline.ItemReady, item.State)
	}
	// front image + 3 batch items
	assert.Len(t, synthesizer.Calls(), 4)
}

func TestPipelineRunTaskRecordsFailure(t *testing.T) {
	db := dbhelper.SetupTestDB(t)
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	job := createJob(t, []string{"https://blobs.example.com/shirt.png"})
	analyzer := &test.AnalyzerMock{AnalyzeErr: errors.New("quota exceeded")}

	task, _ := NewPipelineRunTask(job.ID)
	require.NoError(t, HandlePipelineRunTask(context.Background(), task, db, newOrchestrator(analyzer, &test.SynthesizerMock{})))

	var stored models.PipelineJob
	require.NoError(t, db.First(&stored, job.ID).Error)
	assert.Equal(t, "error", stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "quota exceeded")
}

func TestPipelineRunTaskSkipsProcessedJob(t *testing.T) {
	db := dbhelper.SetupTestDB(t)
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	job := createJob(t, []string{"https://blobs.example.com/shirt.png"})
	db.Model(&job).Updates(map[string]interface{}{"status": "done", "front_image_url": stringPtr("https://x/front.png")})
	analyzer := &test.AnalyzerMock{}

	task, _ := NewPipelineRunTask(job.ID)
	require.NoError(t, HandlePipelineRunTask(context.Background(), task, db, newOrchestrator(analyzer, &test.SynthesizerMock{})))
	assert.Empty(t, analyzer.AnalyzeReqs)
}

func TestStaleJobSweep(t *testing.T) {
	db := dbhelper.SetupTestDB(t)
	cleaner := dbhelper.SetupCleaner(db)
	defer cleaner()

	stale := createJob(t, []string{"https://blobs.example.com/shirt.png"})
	fresh := createJob(t, []string{"https://blobs.example.com/shirt.png"})
	db.Model(&models.PipelineJob{}).Where("id = ?", stale.ID).UpdateColumn("updated_at", time.Now().Add(-2*time.Hour))

	swept, err := HandleStaleJobSweepTask(context.Background(), db, StaleJobAge)
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	var stored models.PipelineJob
	db.First(&stored, stale.ID)
	assert.Equal(t, "error", stored.Status)
	db.First(&stored, fresh.ID)
	assert.Equal(t, JobStatusPending, stored.Status)
}
