package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"timesheet-approval-service/internal/jobs"
	"timesheet-approval-service/internal/mailer"
	"timesheet-approval-service/internal/repository"
	"timesheet-approval-service/internal/tokens"
)

// Database drivers accepted by DB_DRIVER
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for the service
type Config struct {
	Environment       string
	Port              string
	LogLevel          string
	CORSAllowedOrigin string

	DBDriver    string
	DatabaseURL string
	SQLitePath  string

	TokenSecret       string
	ActionTokenTTL    time.Duration
	ViewTokenTTL      time.Duration
	AppBaseURL        string
	AllowSelfApproval bool

	Mail mailer.Options

	NATSURL string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	InboxCacheTTL time.Duration

	Outbox jobs.OutboxConfig
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Environment:       getEnv("ENVIRONMENT", "development"),
		Port:              getEnv("PORT", "8099"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigin: getEnv("CORS_ALLOWED_ORIGIN", "*"),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "approvals.db"),

		TokenSecret:       getEnv("TOKEN_SECRET", ""),
		ActionTokenTTL:    time.Duration(getEnvAsInt("ACTION_TOKEN_TTL_HOURS", 72)) * time.Hour,
		ViewTokenTTL:      time.Duration(getEnvAsInt("VIEW_TOKEN_TTL_HOURS", 168)) * time.Hour,
		AppBaseURL:        getEnv("APP_BASE_URL", "http://localhost:3000"),
		AllowSelfApproval: getEnvAsBool("ALLOW_SELF_APPROVAL", false),

		Mail: mailer.Options{
			Transport:              strings.ToLower(getEnv("MAIL_TRANSPORT", mailer.TransportLog)),
			From:                   getEnv("MAIL_FROM", "approvals@localhost"),
			SMTPHost:               getEnv("SMTP_HOST", ""),
			SMTPPort:               getEnv("SMTP_PORT", ""),
			SMTPUser:               getEnv("SMTP_USER", ""),
			SMTPPassword:           getEnv("SMTP_PASSWORD", ""),
			SMTPTLSEnabled:         getEnvAsBool("SMTP_TLS_ENABLED", false),
			NotificationServiceURL: getEnv("NOTIFICATION_SERVICE_URL", "http://notification-service:8090"),
		},

		NATSURL: getEnv("NATS_URL", ""),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnvAsInt("REDIS_PORT", 6379),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),
		InboxCacheTTL: time.Duration(getEnvAsInt("INBOX_CACHE_TTL_SECONDS", 60)) * time.Second,

		Outbox: jobs.OutboxConfig{
			Interval:    time.Duration(getEnvAsInt("OUTBOX_POLL_INTERVAL_SECONDS", 10)) * time.Second,
			BatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
			Lease:       time.Duration(getEnvAsInt("OUTBOX_LEASE_SECONDS", 120)) * time.Second,
			MaxAttempts: getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 8),
		},
	}
}

// IsDevelopment returns true if running in development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.TokenSecret == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("TOKEN_SECRET is required outside development"))
	}
	if c.ActionTokenTTL <= 0 {
		errs = append(errs, errors.New("ACTION_TOKEN_TTL_HOURS must be positive"))
	}
	if c.ViewTokenTTL <= 0 {
		errs = append(errs, errors.New("VIEW_TOKEN_TTL_HOURS must be positive"))
	}
	if c.DBDriver != DriverPostgres && c.DBDriver != DriverSQLite {
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}
	return errors.Join(errs...)
}

// Secret returns the token signing secret. In development an empty
// TOKEN_SECRET is replaced by a random one, so links die with the process.
func (c *Config) Secret(log *logrus.Logger) ([]byte, error) {
	if c.TokenSecret != "" {
		return []byte(c.TokenSecret), nil
	}
	if !c.IsDevelopment() {
		return nil, errors.New("TOKEN_SECRET is required outside development")
	}
	if log != nil {
		log.Warn("TOKEN_SECRET not set, using an ephemeral secret; links will not survive a restart")
	}
	return tokens.GenerateSecret()
}

// LogrusLevel parses LOG_LEVEL, falling back to info
func (c *Config) LogrusLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// InitDB initializes the database connection
func InitDB(cfg *Config) (*gorm.DB, error) {
	logLevel := logger.Silent
	if cfg.IsDevelopment() {
		logLevel = logger.Warn
	}
	gormConfig := &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case DriverSQLite:
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = cfg.SQLitePath
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(postgresDSN(cfg))
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DBDriver == DriverSQLite {
		// A single writer keeps SQLite from returning SQLITE_BUSY under load
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

func postgresDSN(cfg *Config) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	// Build DSN from individual components if DATABASE_URL not set
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", ""),
		getEnv("DB_NAME", "approval_db"),
		getEnv("DB_SSLMODE", "require"),
	)
}

// Migrate runs the schema migration
func Migrate(db *gorm.DB) error {
	if err := repository.AutoMigrate(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
