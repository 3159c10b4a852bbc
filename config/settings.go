package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	AppVersion             = "v1.4.0"
	AppPort                = "3000"
	AppDebug               = false
	AppBasicAuthCredential []string
	AppBasePath            = ""
	AppTrustedProxies      []string

	DBDriver = "sqlite"
	DBURI    = "storages/unibox.db"
	DBHost   = "localhost"
	DBPort   = 5432
	DBUser   = "unibox"
	DBPass   = ""

	PathStorages = "storages"

	// Valkey is optional. When unset, in-memory stores are used.
	ValkeyAddress   = ""
	ValkeyPassword  = ""
	ValkeyDB        = 0
	ValkeyKeyPrefix = "unibox"

	// Token lifecycle
	TokenRefreshBuffer      = 12 * time.Hour
	TokenRefreshMaxAttempts = 3
	TokenRefreshBaseDelay   = 1 * time.Second
	ProviderRequestTimeout  = 10 * time.Second

	// Health checks
	ValidationCacheTTL       = 5 * time.Minute
	ValidationMaxAge         = 1 * time.Hour
	HealthTimerLeakThreshold = 500

	// Recovery
	RecoveryMaxAttempts = 3
	RecoveryMaxElapsed  = 30 * time.Minute
	RecoveryBaseBackoff = 30 * time.Second

	// Messaging window
	MessagingWindowHours = 48
	WindowSweepInterval  = 1 * time.Hour

	// Batch refresh safety net
	BatchRefreshInterval = 1 * time.Hour
	BatchRefreshSize     = 10

	// Webhook ingestion
	WebhookSecret = "secret"

	// Task worker pool
	TaskWorkerPoolSize  = 20
	TaskWorkerQueueSize = 1000

	// Security: key for encrypting token material at rest.
	AppSecretKey = "changeme_please_change_me_in_prod_12345"
)

func init() {
	if v := strings.TrimSpace(os.Getenv("TOKEN_REFRESH_BUFFER")); v != "" {
		TokenRefreshBuffer = envDuration("TOKEN_REFRESH_BUFFER", TokenRefreshBuffer)
	}
	ValidationCacheTTL = envDuration("VALIDATION_CACHE_TTL", ValidationCacheTTL)
	WindowSweepInterval = envDuration("WINDOW_SWEEP_INTERVAL", WindowSweepInterval)
	BatchRefreshInterval = envDuration("BATCH_REFRESH_INTERVAL", BatchRefreshInterval)
	MessagingWindowHours = envInt("MESSAGING_WINDOW_HOURS", MessagingWindowHours)
	BatchRefreshSize = envInt("BATCH_REFRESH_SIZE", BatchRefreshSize)
	TaskWorkerPoolSize = envInt("TASK_WORKER_POOL_SIZE", TaskWorkerPoolSize)
	TaskWorkerQueueSize = envInt("TASK_WORKER_QUEUE_SIZE", TaskWorkerQueueSize)
	HealthTimerLeakThreshold = envInt("HEALTH_TIMER_LEAK_THRESHOLD", HealthTimerLeakThreshold)

	if val := os.Getenv("APP_SECRET_KEY"); val != "" {
		AppSecretKey = val
	}
	if val := os.Getenv("WEBHOOK_SECRET"); val != "" {
		WebhookSecret = val
	}
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}
