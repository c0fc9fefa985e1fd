package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port            string
	Env             string
	CORSAllowOrigin []string
	DatabaseURL     string
	JWTSecret       string

	QueueBackend    string
	QueueName       string
	LocalQueueDSN   string
	AWSRegion       string
	SQSQueueURL     string
	SQSQueueURLs    map[string]string
	EmbeddedWorker  bool
	WorkerURL       string
	WorkerConcur    int
	ShutdownTimeout time.Duration

	OAuthTokenURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthScopes       []string

	AnalyzerURL      string
	AnalyzerTimeout  time.Duration
	CallbackSecret   string
	NotifyWebhookURL string
	InFlightPolicy   string

	EngineConfigPath string
	SweepSchedule    string
	PendingGrace     time.Duration
	RunningGrace     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	// Best-effort load of local env files for dev convenience.
	loadEnvFiles(".env", "cmd/.env")

	env := normalizeEnv(getEnv("ENV", "dev"))
	dbURL := os.Getenv("DATABASE_URL")

	if env == "production" && dbURL == "" {
		log.Printf("DATABASE_URL is required in production")
	}

	return Config{
		Port:            getEnv("PORT", "8080"),
		Env:             env,
		CORSAllowOrigin: splitAndTrim(getEnv("CORS_ALLOW_ORIGINS", "http://localhost:5173")),
		DatabaseURL:     dbURL,
		JWTSecret:       getEnv("JWT_SECRET", ""),

		QueueBackend:  normalizeQueueBackend(getEnv("QUEUE_BACKEND", "local")),
		QueueName:     getEnv("QUEUE_NAME", "analysis-queue"),
		LocalQueueDSN: getEnv("LOCAL_QUEUE_DSN", "file:data/tasks.db?_busy_timeout=5000"),
		AWSRegion:     getEnv("AWS_REGION", "us-east-1"),
		SQSQueueURL:   getEnv("SQS_QUEUE_URL", ""),
		SQSQueueURLs: map[string]string{
			"high":   getEnv("SQS_QUEUE_URL_HIGH", ""),
			"normal": getEnv("SQS_QUEUE_URL_NORMAL", ""),
			"low":    getEnv("SQS_QUEUE_URL_LOW", ""),
		},
		EmbeddedWorker:  getBool("EMBEDDED_WORKER", false),
		WorkerURL:       getEnv("WORKER_URL", ""),
		WorkerConcur:    getInt("WORKER_CONCURRENCY", 4),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", ""),
		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthScopes:       splitAndTrim(getEnv("OAUTH_SCOPES", "")),

		AnalyzerURL:      getEnv("ANALYZER_URL", ""),
		AnalyzerTimeout:  getDuration("ANALYZER_TIMEOUT", 5*time.Minute),
		CallbackSecret:   getEnv("CALLBACK_SECRET", ""),
		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		InFlightPolicy:   normalizeInFlightPolicy(getEnv("INFLIGHT_POLICY", "allow")),

		EngineConfigPath: getEnv("ENGINE_CONFIG_PATH", ""),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "@every 1m"),
		PendingGrace:     getDuration("SWEEP_PENDING_GRACE", 10*time.Minute),
		RunningGrace:     getDuration("SWEEP_RUNNING_GRACE", 5*time.Minute),
	}
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("config %s invalid int: %v", key, err)
		return def
	}
	return val
}

func getBool(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("config %s invalid bool: %v", key, err)
		return def
	}
	return val
}

func getDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("config %s invalid duration: %v", key, err)
		return def
	}
	return val
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "production", "prod":
		return "production"
	case "staging":
		return "staging"
	case "local":
		return "local"
	default:
		return "dev"
	}
}

func normalizeQueueBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sqs":
		return "sqs"
	default:
		return "local"
	}
}

func normalizeInFlightPolicy(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "reject":
		return "reject"
	default:
		return "allow"
	}
}

// IsDevLike reports whether env allows in-memory fallbacks.
func (c Config) IsDevLike() bool {
	switch c.Env {
	case "dev", "local":
		return true
	default:
		return false
	}
}
