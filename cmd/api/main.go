package main

import (
	"context"
	"os"
	"time"

	"fashionpipeline/controllers"
	"fashionpipeline/dbhelper"
	"fashionpipeline/services"
	"fashionpipeline/tasks"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	cfg := services.LoadConfig()
	log.Logger = services.NewLogger(cfg.AppEnv)

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.AppEnv,
		Release:          "fashionpipeline@1.0.0",
		Debug:            false,
		TracesSampleRate: 1.0,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("sentry.Init")
	}
	defer sentry.Recover()
	defer sentry.Flush(2 * time.Second)

	ctx := context.Background()

	awsService := services.NewAWSService(cfg)
	if err := awsService.InitPresignClient(ctx); err != nil {
		// uploads fail per request until storage is configured
		log.Warn().Err(err).Msg("blob storage unavailable")
	}
	urlCache, err := services.NewURLCacheService(awsService, cfg.R2BucketName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize URL cache service")
	}
	blobs := &services.R2BlobStore{
		AWS:           awsService,
		BucketName:    cfg.R2BucketName,
		PublicBaseURL: cfg.R2PublicBaseURL,
		ReadURLs:      urlCache,
	}

	gemini, err := services.NewGeminiService(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize analysis client")
	}
	replicate, err := services.NewReplicateService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize synthesis client")
	}

	// background jobs are optional: both the database and the broker must be configured
	var db *gorm.DB
	var enqueuer tasks.Enqueuer
	if os.Getenv("DB_HOST") != "" {
		db = dbhelper.SetupDB()
		asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.AsyncBrokerAddress})
		defer asynqClient.Close()
		enqueuer = asynqClient
	} else {
		log.Warn().Msg("DB_HOST is not set, pipeline jobs are disabled")
	}

	e := controllers.SetupServer(db, cfg, blobs, gemini, replicate, enqueuer)
	e.HideBanner = true
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimitPerSecond))))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))

	log.Info().Str("port", cfg.Port).Str("env", cfg.AppEnv).Msg("api listening")
	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
