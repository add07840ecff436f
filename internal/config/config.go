// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration parsed from environment variables.
// The surface mirrors the replicator's option set one-to-one: exactly one
// queue source and exactly one data-mart database must be selected.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	// AdminPort serves /healthz, /metrics, the report API, and operator
	// diagnostics.
	AdminPort int `env:"ADMIN_PORT" envDefault:"9090" validate:"gt=0,lte=65535"`

	// Queue selection. Exactly one of: SQS_URL, RABBIT_HOST (with its
	// companions), DATABASE_INFO_QUEUE=true.
	SQSURL                      string        `env:"SQS_URL"`
	SQSMaxRetries               int           `env:"SQS_MAX_RETRIES" envDefault:"10" validate:"gte=0"`
	SQSRetryWait                time.Duration `env:"SQS_RETRY_WAIT" envDefault:"5s"`
	SQSVisibilityTimeoutSeconds int           `env:"SQS_VISIBILITY_TIMEOUT_SECONDS" envDefault:"0" validate:"gte=0"`

	RabbitHost        string `env:"RABBIT_HOST"`
	RabbitPort        int    `env:"RABBIT_PORT" envDefault:"5672" validate:"gt=0,lte=65535"`
	RabbitUser        string `env:"RABBIT_USER"`
	RabbitPassword    string `env:"RABBIT_PASSWORD"`
	RabbitVirtualHost string `env:"RABBIT_VIRTUAL_HOST" envDefault:"/"`
	RabbitQueue       string `env:"RABBIT_QUEUE"`

	DatabaseInfoQueue      bool          `env:"DATABASE_INFO_QUEUE" envDefault:"false"`
	DatabaseInfoQueueLease time.Duration `env:"DATABASE_INFO_QUEUE_LEASE" envDefault:"30s"`

	// Data-mart database. Exactly one of: SQLITE_DATABASE_FILE,
	// POSTGRESQL_HOST (with its companions).
	SQLiteDatabaseFile string `env:"SQLITE_DATABASE_FILE"`
	PostgresHost       string `env:"POSTGRESQL_HOST"`
	PostgresPort       int    `env:"POSTGRESQL_PORT" envDefault:"5432" validate:"gt=0,lte=65535"`
	PostgresDatabase   string `env:"POSTGRESQL_DATABASE"`
	PostgresUser       string `env:"POSTGRESQL_USER"`
	PostgresPassword   string `env:"POSTGRESQL_PASSWORD"`

	// Engine initialization passthrough; opaque to the replicator core.
	EngineIniFile    string `env:"ENGINE_INI_FILE"`
	EngineInitFile   string `env:"ENGINE_INIT_FILE"`
	EngineInitJSON   string `env:"ENGINE_INIT_JSON"`
	EngineModuleName string `env:"ENGINE_MODULE_NAME" envDefault:"datamart-replicator"`
	EngineVerbose    bool   `env:"ENGINE_VERBOSE" envDefault:"false"`

	// Scheduler tuning.
	Concurrency      int           `env:"CONCURRENCY" envDefault:"8" validate:"gte=1"`
	StandardTimeout  time.Duration `env:"STANDARD_TIMEOUT" envDefault:"3s"`
	PostponedTimeout time.Duration `env:"POSTPONED_TIMEOUT" envDefault:"1s"`
	FollowUpDelay    time.Duration `env:"FOLLOW_UP_DELAY" envDefault:"200ms"`
	FollowUpTimeout  time.Duration `env:"FOLLOW_UP_TIMEOUT" envDefault:"30s"`
	FollowUpFetch    int           `env:"FOLLOW_UP_FETCH" envDefault:"10" validate:"gte=1"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"datamart-replicator"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies field constraints plus the cross-field selection rules.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w", err)
	}

	queues := 0
	if c.SQSURL != "" {
		queues++
	}
	if c.RabbitHost != "" {
		queues++
	}
	if c.DatabaseInfoQueue {
		queues++
	}
	if queues != 1 {
		return fmt.Errorf("op=config.Validate: exactly one queue source must be selected (SQS_URL, RABBIT_HOST, DATABASE_INFO_QUEUE); got %d", queues)
	}
	if c.RabbitHost != "" && c.RabbitQueue == "" {
		return fmt.Errorf("op=config.Validate: RABBIT_QUEUE is required with RABBIT_HOST")
	}

	databases := 0
	if c.SQLiteDatabaseFile != "" {
		databases++
	}
	if c.PostgresHost != "" {
		databases++
	}
	if databases != 1 {
		return fmt.Errorf("op=config.Validate: exactly one data-mart database must be selected (SQLITE_DATABASE_FILE, POSTGRESQL_HOST); got %d", databases)
	}
	if c.PostgresHost != "" && c.PostgresDatabase == "" {
		return fmt.Errorf("op=config.Validate: POSTGRESQL_DATABASE is required with POSTGRESQL_HOST")
	}
	return nil
}

// UseSQLite reports whether the data mart is backed by SQLite.
func (c Config) UseSQLite() bool { return c.SQLiteDatabaseFile != "" }

// PostgresURL renders the pgx connection string for the configured database.
func (c Config) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.PostgresUser), url.QueryEscape(c.PostgresPassword),
		c.PostgresHost, c.PostgresPort, c.PostgresDatabase)
}

// RabbitURL renders the AMQP connection string for the configured broker.
func (c Config) RabbitURL() string {
	vhost := c.RabbitVirtualHost
	if vhost == "" || vhost == "/" {
		vhost = "/"
	} else {
		vhost = "/" + url.PathEscape(strings.TrimPrefix(vhost, "/"))
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		url.QueryEscape(c.RabbitUser), url.QueryEscape(c.RabbitPassword), c.RabbitHost, c.RabbitPort, vhost)
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
