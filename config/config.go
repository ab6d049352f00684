package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"90"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:"localhost"`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"clover"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SSL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion uint `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Admin API authentication; when disabled X-User-ID is trusted as-is
	AuthEnabled   bool   `env:"AUTH_ENABLED" env-default:"false"`
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	AuthClientID  string `env:"AUTH_CLIENT_ID" env-default:""`

	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Topic for completed trigger runs
	KafkaWorkflowTopic string `env:"KAFKA_WORKFLOW_TOPIC" env-default:"workflow.trigger.completed"`
	// Topic for notification-send handler output
	KafkaNotificationTopic string `env:"KAFKA_NOTIFICATION_TOPIC" env-default:"workflow.notification"`

	// Remote CRM
	CRMBaseURL          string        `env:"CRM_BASE_URL" env-default:"https://services.leadconnectorhq.com"`
	CRMTokenURL         string        `env:"CRM_TOKEN_URL" env-default:"https://services.leadconnectorhq.com/oauth/token"`
	CRMLocationTokenURL string        `env:"CRM_LOCATION_TOKEN_URL" env-default:"https://services.leadconnectorhq.com/oauth/locationToken"`
	CRMAPIVersion       string        `env:"CRM_API_VERSION" env-default:"2021-07-28"`
	CRMRequestTimeout   time.Duration `env:"CRM_REQUEST_TIMEOUT" env-default:"30s"`

	// CRMClientID selects the application for install webhooks that omit clientId
	CRMClientID string `env:"CRM_CLIENT_ID"`

	// Location tokens are cached until expiry minus this skew
	LocationTokenCacheSkew time.Duration `env:"LOCATION_TOKEN_CACHE_SKEW" env-default:"5m"`

	// Paginated fetch
	FetchPageDelay           time.Duration `env:"FETCH_PAGE_DELAY" env-default:"100ms"`
	FetchMaxRateLimitRetries int           `env:"FETCH_MAX_RATE_LIMIT_RETRIES" env-default:"5"`
	FetchMaxRateLimitWait    time.Duration `env:"FETCH_MAX_RATE_LIMIT_WAIT" env-default:"10m"`
	FetchDefaultRetryAfter   time.Duration `env:"FETCH_DEFAULT_RETRY_AFTER" env-default:"60s"`
	FetchPageSize            int           `env:"FETCH_PAGE_SIZE" env-default:"100"`
	FetchMaxPages            int           `env:"FETCH_MAX_PAGES" env-default:"0"`

	// Sync
	SyncOpportunitiesAsync bool `env:"SYNC_OPPORTUNITIES_ASYNC" env-default:"true"`
	HydrationBatchSize     int  `env:"HYDRATION_BATCH_SIZE" env-default:"50"`

	// Webhooks
	WebhookMinCallDuration  int           `env:"WEBHOOK_MIN_CALL_DURATION" env-default:"19"`
	WebhookProcessingDelay  time.Duration `env:"WEBHOOK_PROCESSING_DELAY" env-default:"30s"`
	WorkflowForwardTimeout  time.Duration `env:"WORKFLOW_FORWARD_TIMEOUT" env-default:"30s"`
	CallSummaryMinDuration  int           `env:"CALL_SUMMARY_MIN_DURATION" env-default:"30"`
	FollowUpTaskMinDuration int           `env:"FOLLOW_UP_TASK_MIN_DURATION" env-default:"300"`

	// LLM
	LLMBaseURL     string        `env:"LLM_BASE_URL" env-default:"https://api.openai.com/v1/chat/completions"`
	LLMAPIKey      string        `env:"LLM_API_KEY" env-default:""`
	LLMModel       string        `env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	LLMMaxTokens   int           `env:"LLM_MAX_TOKENS" env-default:"800"`
	LLMTemperature float64       `env:"LLM_TEMPERATURE" env-default:"0.2"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" env-default:"30s"`
	// Cost per 1K tokens, for usage logs
	LLMInputCostPer1K  float64 `env:"LLM_INPUT_COST_PER_1K" env-default:"0.00015"`
	LLMOutputCostPer1K float64 `env:"LLM_OUTPUT_COST_PER_1K" env-default:"0.0006"`

	// Scheduler settings
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"5m"`
	SchedulerEnabled      bool          `env:"SCHEDULER_ENABLED" env-default:"true"`

	// Redis Streams settings
	RedisStreamsJobQueue      string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"clover:jobs"`
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"clover-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	WorkerCount              int    `env:"WORKER_COUNT" env-default:"4"`
	WorkerMaxRetries         int    `env:"WORKER_MAX_RETRIES" env-default:"3"`

	// Tracing settings
	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return cfg, nil
}
