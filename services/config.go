package services

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is loaded from the environment (and .env when present).
type Config struct {
	AppEnv    string
	Port      string
	SentryDSN string

	GoogleAPIKey string
	GeminiModel  string

	ReplicateAPIToken string
	ReplicateModel    string

	R2AccountID       string
	R2AccessKeyID     string
	R2AccessKeySecret string
	R2BucketName      string
	R2PublicBaseURL   string

	AsyncBrokerAddress string
	JWTSecret          string

	// SynthesisInterval spaces consecutive synthesis calls of one batch. Zero disables pacing.
	SynthesisInterval  time.Duration
	SessionTTL         time.Duration
	UploadMaxDimension int
	RateLimitPerSecond int
}

func LoadConfig() *Config {
	// a missing .env is fine, real deployments use the environment
	_ = godotenv.Load()

	return &Config{
		AppEnv:    GetEnv("APP_ENV", "development"),
		Port:      GetEnv("PORT", "8083"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		GoogleAPIKey: os.Getenv("GOOGLE_API_KEY"),
		GeminiModel:  GetEnv("GEMINI_MODEL", Flash25.String()),

		ReplicateAPIToken: os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateModel:    GetEnv("REPLICATE_MODEL", DefaultReplicateModel),

		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
		R2BucketName:      os.Getenv("R2_BUCKET_NAME"),
		R2PublicBaseURL:   os.Getenv("R2_PUBLIC_BASE_URL"),

		AsyncBrokerAddress: GetEnv("ASYNC_BROKER_ADDRESS", "localhost:6379"),
		JWTSecret:          os.Getenv("JWT_SECRET"),

		SynthesisInterval:  getEnvDuration("SYNTHESIS_INTERVAL", 0),
		SessionTTL:         getEnvDuration("SESSION_TTL", 2*time.Hour),
		UploadMaxDimension: getEnvInt("UPLOAD_MAX_DIMENSION", 2048),
		RateLimitPerSecond: getEnvInt("RATE_LIMIT_PER_SECOND", 3),
	}
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
