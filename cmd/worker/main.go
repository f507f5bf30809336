package main

import (
	"context"
	"time"

	"fashionpipeline/dbhelper"
	"fashionpipeline/pipeline"
	"fashionpipeline/services"
	"fashionpipeline/tasks"

	"github.com/getsentry/sentry-go"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

func runScheduler(cfg *services.Config) {
	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: cfg.AsyncBrokerAddress}, &asynq.SchedulerOpts{
		LogLevel: asynq.InfoLevel,
	})

	entries := []struct {
		cron string
		task *asynq.Task
		desc string
	}{
		{
			cron: "*/15 * * * *",
			task: tasks.NewStaleJobSweepTask(),
			desc: "Stale pipeline job sweep",
		},
	}
	for _, entry := range entries {
		entryID, err := scheduler.Register(entry.cron, entry.task, asynq.Queue(tasks.QueueGenerate))
		if err != nil {
			log.Fatal().Err(err).Str("task", entry.desc).Msg("failed to register scheduled task")
		}
		log.Info().Str("task", entry.desc).Str("entry_id", entryID).Str("cron", entry.cron).Msg("registered scheduled task")
	}

	if err := scheduler.Run(); err != nil {
		log.Fatal().Err(err).Msg("scheduler failed")
	}
}

func main() {
	cfg := services.LoadConfig()
	log.Logger = services.NewLogger(cfg.AppEnv)

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		Release:     "fashionpipeline-worker@1.0.0",
	}); err != nil {
		log.Fatal().Err(err).Msg("sentry.Init")
	}
	defer sentry.Flush(2 * time.Second)

	ctx := context.Background()
	awsService := services.NewAWSService(cfg)
	if err := awsService.InitPresignClient(ctx); err != nil {
		log.Warn().Err(err).Msg("[Queue] blob storage unavailable")
	}
	gemini, err := services.NewGeminiService(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("[Queue] failed to initialize analysis client")
	}
	replicate, err := services.NewReplicateService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("[Queue] failed to initialize synthesis client")
	}

	// job garments arrive as URLs, so the asset cache never uploads; it still needs a store for deletes
	blobs := &services.R2BlobStore{AWS: awsService, BucketName: cfg.R2BucketName, PublicBaseURL: cfg.R2PublicBaseURL}
	orchestrator := pipeline.NewOrchestrator(gemini, replicate, pipeline.NewAssetCache(blobs, time.Hour), pipeline.Options{
		SynthesisInterval: cfg.SynthesisInterval,
		Logger:            log.Logger,
	})

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.AsyncBrokerAddress},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			tasks.QueueGenerate: 7,
		}},
	)
	mux := asynq.NewServeMux()
	db := dbhelper.SetupDB()
	mux.HandleFunc(tasks.TypePipelineRun, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandlePipelineRunTask(ctx, t, db, orchestrator)
	})
	mux.HandleFunc(tasks.TypeStaleJobSweep, func(ctx context.Context, t *asynq.Task) error {
		_, err := tasks.HandleStaleJobSweepTask(ctx, db, tasks.StaleJobAge)
		return err
	})

	go runScheduler(cfg)
	if err := srv.Run(mux); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}
