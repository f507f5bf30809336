package controllers

import (
	"net/http"

	"fashionpipeline/pipeline"
	"fashionpipeline/services"
	"fashionpipeline/tasks"

	"github.com/go-playground/validator"
	echojwt "github.com/labstack/echo-jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// SetupServer wires every route. db and enqueuer may be nil, in which case the job routes answer 503.
func SetupServer(
	db *gorm.DB,
	cfg *services.Config,
	blobs services.BlobStore,
	analyzer services.FashionAnalyzer,
	synthesizer services.ImageSynthesizer,
	enqueuer tasks.Enqueuer,
) *echo.Echo {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("__db", db)
			c.Set("__asynqclient", enqueuer)
			return next(c)
		}
	})
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
	}))

	assets := pipeline.NewAssetCache(blobs, cfg.SessionTTL)
	orchestrator := pipeline.NewOrchestrator(analyzer, synthesizer, assets, pipeline.Options{
		SynthesisInterval: cfg.SynthesisInterval,
		Logger:            log.Logger,
	})

	fashion := FashionController{
		Analyzer:     analyzer,
		Synthesizer:  synthesizer,
		Blobs:        blobs,
		MaxDimension: cfg.UploadMaxDimension,
	}
	fashion.FashionRoutes(e.Group("/api"))

	sessionGroup := e.Group("/v1/sessions")
	if cfg.JWTSecret != "" {
		sessionGroup.Use(echojwt.JWT([]byte(cfg.JWTSecret)))
	}
	sessions := SessionController{
		Sessions:     pipeline.NewSessionStore(cfg.SessionTTL),
		Orchestrator: orchestrator,
		MaxDimension: cfg.UploadMaxDimension,
	}
	sessions.SessionRoutes(sessionGroup)

	jobs := JobController{}
	jobs.JobRoutes(e.Group("/v1/pipeline/jobs"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"sessions": sessions.Sessions.Count(),
		})
	})
	return e
}
