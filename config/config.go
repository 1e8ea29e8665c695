package config

import (
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"sage-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:""`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"sage"`
	DatabaseSSLMode               string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth
	AuthEnabled   bool   `env:"AUTH_ENABLED" env-default:"false"`
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	AuthClientID  string `env:"AUTH_CLIENT_ID" env-default:""`

	// Redis
	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`

	// Redis Streams job queue
	RedisStreamsJobQueue      string `env:"REDIS_STREAMS_JOB_QUEUE" env-default:"sage:sync-jobs"`
	RedisStreamsConsumerGroup string `env:"REDIS_STREAMS_CONSUMER_GROUP" env-default:"sage-workers"`
	// Consumer name (defaults to hostname if empty)
	RedisStreamsConsumerName string `env:"REDIS_STREAMS_CONSUMER_NAME" env-default:""`
	WorkerCount              int    `env:"WORKER_COUNT" env-default:"4"`

	// Kafka brokers (comma-separated)
	KafkaBrokers         string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaSyncEventsTopic string `env:"KAFKA_SYNC_EVENTS_TOPIC" env-default:"sync-events"`

	// Tracing
	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`

	// Encryption. One of the two must be set; the vault refuses to start otherwise.
	// Base64 encoded 32 byte key
	EncryptionKey string `env:"ENCRYPTION_KEY" env-default:""`
	// Passphrase run through PBKDF2 when no explicit key is set
	EncryptionSecret string        `env:"ENCRYPTION_SECRET" env-default:""`
	OAuthStateMaxAge time.Duration `env:"OAUTH_STATE_MAX_AGE" env-default:"600s"`
	// Where the browser lands after the OAuth callback. Empty returns JSON.
	OAuthReturnURL string `env:"OAUTH_RETURN_URL" env-default:""`

	// QuickBooks app defaults, used when a workspace has no stored app credentials
	QuickBooksClientID     string `env:"QUICKBOOKS_CLIENT_ID" env-default:""`
	QuickBooksClientSecret string `env:"QUICKBOOKS_CLIENT_SECRET" env-default:""`
	QuickBooksRedirectURI  string `env:"QUICKBOOKS_REDIRECT_URI" env-default:""`
	QuickBooksEnvironment  string `env:"QUICKBOOKS_ENVIRONMENT" env-default:"sandbox"`

	// Sync
	SyncDefaultIntervalMinutes int           `env:"SYNC_DEFAULT_INTERVAL_MINUTES" env-default:"60"`
	SyncMaxRetries             int           `env:"SYNC_MAX_RETRIES" env-default:"3"`
	SyncRetryInitialDelay      time.Duration `env:"SYNC_RETRY_INITIAL_DELAY" env-default:"1s"`
	SyncRetryMaxDelay          time.Duration `env:"SYNC_RETRY_MAX_DELAY" env-default:"30s"`
	SyncLockTTL                time.Duration `env:"SYNC_LOCK_TTL" env-default:"10m"`
	SyncTokenRefreshSkew       time.Duration `env:"SYNC_TOKEN_REFRESH_SKEW" env-default:"5m"`
	SyncRequestTimeout         time.Duration `env:"SYNC_REQUEST_TIMEOUT" env-default:"30s"`
	// How many months of history a sync pulls. Initial syncs pull SyncInitialMonths.
	SyncIncrementalMonths int `env:"SYNC_INCREMENTAL_MONTHS" env-default:"3"`
	SyncInitialMonths     int `env:"SYNC_INITIAL_MONTHS" env-default:"24"`

	// Scheduler
	SchedulerEnabled      bool          `env:"SCHEDULER_ENABLED" env-default:"true"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" env-default:"60s"`
	SchedulerBatchSize    int           `env:"SCHEDULER_BATCH_SIZE" env-default:"100"`
}

// Load reads an optional .env file and binds the environment onto a Config.
func Load() (*Config, error) {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg := &Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
