package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
)

// ErrConfigMissing is returned when a required value is absent.
var ErrConfigMissing = errors.New("required configuration missing")

// Config holds all configuration fields for the application.
// It is built once in main and passed into every component.
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string // "console" or "json"
	WebhookPath string // Path for incoming Intercom webhooks
	AdminToken  string // Bearer token for /admin and re-drive; those routes refuse every request when empty

	IntercomAccessToken   string
	IntercomWebhookSecret string // Optional: signature checks are skipped when empty
	IntercomBaseURL       string

	GHLAccessToken string
	GHLLocationID  string
	GHLBaseURL     string
	GHLRateLimit   float64 // requests per second against the CRM

	SheetsID                 string
	SheetsBaseURL            string
	SheetsAccessToken        string // Static bearer token, mostly for local runs
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	CounterRange             string
	AuditRange               string

	CounterBackend         string // "sheets" or "sql"
	SequenceDriver         string // "postgres" or "sqlite"
	SequenceDSN            string
	CounterFallbackEnabled bool

	DatabaseURL       string // gorm/sqlite DSN for the ticket ledger
	ClaimLease        time.Duration
	DedupWindow       time.Duration
	ProcessingTimeout time.Duration

	RabbitMQURL      string
	RabbitMQExchange string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	// Environment variables take precedence over the .env file.
	err := godotenv.Load()
	if err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:        os.Getenv("PORT"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		LogFormat:   os.Getenv("LOG_FORMAT"),
		WebhookPath: getEnv("WEBHOOK_PATH", "/intercom/webhook"),
		AdminToken:  os.Getenv("ADMIN_TOKEN"),

		IntercomAccessToken:   os.Getenv("INTERCOM_ACCESS_TOKEN"),
		IntercomWebhookSecret: os.Getenv("INTERCOM_WEBHOOK_SECRET"),
		IntercomBaseURL:       getEnv("INTERCOM_BASE_URL", "https://api.intercom.io"),

		GHLAccessToken: os.Getenv("GHL_ACCESS_TOKEN"),
		GHLLocationID:  os.Getenv("GHL_LOCATION_ID"),
		GHLBaseURL:     getEnv("GHL_BASE_URL", "https://services.leadconnectorhq.com"),

		SheetsID:                 os.Getenv("GOOGLE_SHEETS_ID"),
		SheetsBaseURL:            getEnv("GOOGLE_SHEETS_BASE_URL", "https://sheets.googleapis.com"),
		SheetsAccessToken:        os.Getenv("GOOGLE_SHEETS_ACCESS_TOKEN"),
		GoogleServiceAccountJSON: os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"),
		GoogleServiceAccountFile: os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"),
		CounterRange:             getEnv("COUNTER_RANGE", "Intercom Counter!B2"),
		AuditRange:               getEnv("AUDIT_RANGE", "Ticket Log!A:H"),

		CounterBackend: strings.ToLower(getEnv("COUNTER_BACKEND", "sheets")),
		SequenceDriver: getEnv("SEQUENCE_DRIVER", "postgres"),
		SequenceDSN:    os.Getenv("SEQUENCE_DSN"),

		DatabaseURL: getEnv("DATABASE_URL", "ticketsync.db"),

		RabbitMQURL:      os.Getenv("RABBITMQ_URL"),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "tickets"),

		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
	}

	if cfg.GHLRateLimit, err = getFloat("GHL_RATE_LIMIT", 8); err != nil {
		return nil, err
	}
	if cfg.CounterFallbackEnabled, err = getBool("COUNTER_FALLBACK_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.S3PathStyle, err = getBool("S3_PATH_STYLE", false); err != nil {
		return nil, err
	}
	if cfg.ClaimLease, err = getDuration("CLAIM_LEASE", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = getDuration("DEDUP_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ProcessingTimeout, err = getDuration("PROCESSING_TIMEOUT", 90*time.Second); err != nil {
		return nil, err
	}

	// A lease shorter than a run would let a second delivery take over a live claim.
	if cfg.ClaimLease <= cfg.ProcessingTimeout {
		return nil, fmt.Errorf("CLAIM_LEASE (%s) must be longer than PROCESSING_TIMEOUT (%s)", cfg.ClaimLease, cfg.ProcessingTimeout)
	}

	switch cfg.CounterBackend {
	case "sheets", "sql":
	default:
		return nil, fmt.Errorf("COUNTER_BACKEND must be 'sheets' or 'sql', got %q", cfg.CounterBackend)
	}

	log.Info().
		Str("webhookPath", cfg.WebhookPath).
		Str("counterBackend", cfg.CounterBackend).
		Bool("counterFallback", cfg.CounterFallbackEnabled).
		Msg("Configuration loading attempt complete.")
	return cfg, nil
}

// Secrets reports, for each required value, whether it is configured.
// The webhook health probe renders this map as-is.
func (c *Config) Secrets() map[string]bool {
	return map[string]bool{
		"intercom_access_token":   c.IntercomAccessToken != "",
		"intercom_webhook_secret": c.IntercomWebhookSecret != "",
		"ghl_access_token":        c.GHLAccessToken != "",
		"ghl_location_id":         c.GHLLocationID != "",
		"google_sheets_id":        c.SheetsID != "",
		"google_credentials":      c.HasSheetsCredentials(),
		"sequence_dsn":            c.CounterBackend != "sql" || c.SequenceDSN != "",
	}
}

// HasSheetsCredentials is true when any supported Google credential is present.
func (c *Config) HasSheetsCredentials() bool {
	return c.SheetsAccessToken != "" || c.GoogleServiceAccountJSON != "" || c.GoogleServiceAccountFile != ""
}

// Missing returns the environment variable names of required values that are
// absent. The webhook secret is not required.
func (c *Config) Missing() []string {
	var missing []string
	if c.IntercomAccessToken == "" {
		missing = append(missing, "INTERCOM_ACCESS_TOKEN")
	}
	if c.GHLAccessToken == "" {
		missing = append(missing, "GHL_ACCESS_TOKEN")
	}
	if c.GHLLocationID == "" {
		missing = append(missing, "GHL_LOCATION_ID")
	}
	if c.SheetsID == "" {
		missing = append(missing, "GOOGLE_SHEETS_ID")
	}
	if !c.HasSheetsCredentials() {
		missing = append(missing, "GOOGLE_SERVICE_ACCOUNT_JSON")
	}
	if c.CounterBackend == "sql" && c.SequenceDSN == "" {
		missing = append(missing, "SEQUENCE_DSN")
	}
	return missing
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
