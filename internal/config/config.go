// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// edge, persistence, the Telegram bot, link delivery, the deletion lifecycle,
// and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Update modes supported by the bot receiver.
const (
	UpdateModeWebhook = "webhook"
	UpdateModePolling = "polling"
)

// Database drivers supported by repo.Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the admin API.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// BotConfig holds Telegram bot identity and inbound settings.
type BotConfig struct {
	Token           string  // BOT_TOKEN
	Username        string  // BOT_USERNAME (without @); resolved from getMe when empty
	DeepLinkBase    string  // DEEP_LINK_BASE; defaults to https://t.me/<username>
	OperatorID      int64   // OPERATOR_ID
	TrustedChannels []int64 // TRUSTED_CHANNELS
	UpdateMode      string  // webhook|polling
	WebhookSecret   string  // WEBHOOK_SECRET, last path segment of the webhook route
	WebhookURL      string  // WEBHOOK_URL; registered with Telegram on startup when set
	SingleItemLinks bool    // SINGLE_ITEM_LINKS
}

// DeliveryConfig controls forwarding behavior.
type DeliveryConfig struct {
	Retention       time.Duration // RETENTION_WINDOW
	Pacing          time.Duration // DELIVERY_PACING
	OutboundTimeout time.Duration // OUTBOUND_TIMEOUT
	OutboundRPS     float64       // OUTBOUND_RPS
	EventTimeout    time.Duration // EVENT_TIMEOUT
}

// LifecycleConfig controls scheduled deletion processing.
type LifecycleConfig struct {
	MaxAttempts    int           // DELETION_MAX_ATTEMPTS
	BackoffInitial time.Duration // DELETION_BACKOFF_INITIAL
	BackoffMax     time.Duration // DELETION_BACKOFF_MAX
	Workers        int           // DELETION_WORKERS
	PollInterval   time.Duration // DELETION_POLL_INTERVAL
	Lease          time.Duration // DELETION_LEASE
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 90s, covers paced deliveries
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for admin API routes

	// Storage
	DBDriver string // sqlite|postgres
	DBPath   string // SQLite path
	DBDSN    string // Postgres DSN

	Bot       BotConfig
	Delivery  DeliveryConfig
	Lifecycle LifecycleConfig

	// Staging / dedup
	StagingTTL      time.Duration // 0 disables eviction
	JanitorSchedule string        // cron spec, e.g. "@every 10m"
	DedupPosts      bool
	DedupTTL        time.Duration

	// Link lookup cache
	LinkCacheSize int
	LinkCacheTTL  time.Duration

	// Edge
	RateRPS     float64 // tokens per second (>= 0)
	RateBurst   int     // bucket size (>= 1)
	CORS        CORSConfig
	AdminAPIKey string // empty disables the admin API

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver: strings.ToLower(getenv("DB_DRIVER", DriverSQLite)),
		DBPath:   getenv("DB_PATH", "relay.db"),
		DBDSN:    getenv("DB_DSN", ""),

		Bot: BotConfig{
			Token:           strings.TrimSpace(getenv("BOT_TOKEN", "")),
			Username:        strings.TrimPrefix(strings.TrimSpace(getenv("BOT_USERNAME", "")), "@"),
			DeepLinkBase:    strings.TrimRight(strings.TrimSpace(getenv("DEEP_LINK_BASE", "")), "/"),
			OperatorID:      getint64("OPERATOR_ID", 0),
			TrustedChannels: splitIDs(getenv("TRUSTED_CHANNELS", "")),
			UpdateMode:      strings.ToLower(getenv("UPDATE_MODE", UpdateModeWebhook)),
			WebhookSecret:   getenv("WEBHOOK_SECRET", ""),
			WebhookURL:      getenv("WEBHOOK_URL", ""),
			SingleItemLinks: getbool("SINGLE_ITEM_LINKS", false),
		},

		Delivery: DeliveryConfig{
			Retention:       getdur("RETENTION_WINDOW", 24*time.Hour),
			Pacing:          getdur("DELIVERY_PACING", 500*time.Millisecond),
			OutboundTimeout: getdur("OUTBOUND_TIMEOUT", 30*time.Second),
			OutboundRPS:     getfloat("OUTBOUND_RPS", 25),
			EventTimeout:    getdur("EVENT_TIMEOUT", 2*time.Minute),
		},

		Lifecycle: LifecycleConfig{
			MaxAttempts:    getint("DELETION_MAX_ATTEMPTS", 5),
			BackoffInitial: getdur("DELETION_BACKOFF_INITIAL", 30*time.Second),
			BackoffMax:     getdur("DELETION_BACKOFF_MAX", 30*time.Minute),
			Workers:        getint("DELETION_WORKERS", 4),
			PollInterval:   getdur("DELETION_POLL_INTERVAL", 5*time.Second),
			Lease:          getdur("DELETION_LEASE", 2*time.Minute),
		},

		StagingTTL:      getdur("STAGING_TTL", 72*time.Hour),
		JanitorSchedule: getenv("JANITOR_SCHEDULE", "@every 10m"),
		DedupPosts:      getbool("DEDUP_CHANNEL_POSTS", true),
		DedupTTL:        getdur("DEDUP_TTL", 48*time.Hour),

		LinkCacheTTL: getdur("LINK_CACHE_TTL", 10*time.Minute),

		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		AdminAPIKey: getenv("ADMIN_API_KEY", ""),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "deeplink-relay"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" || cfg.DBDriver == "pg" {
		cfg.DBDriver = DriverPostgres
	}
	if cfg.DBDriver == "sqlite3" {
		cfg.DBDriver = DriverSQLite
	}
	cfg.LinkCacheSize = getint("LINK_CACHE_SIZE", defaultLinkCacheSize(cfg.DBDriver))

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return cfg, errors.New("DB_DSN must be set when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.Bot.Token == "" {
		return cfg, errors.New("BOT_TOKEN must not be empty")
	}
	if cfg.Bot.OperatorID == 0 {
		return cfg, errors.New("OPERATOR_ID must be a non-zero Telegram user id")
	}
	switch cfg.Bot.UpdateMode {
	case UpdateModeWebhook:
		if strings.TrimSpace(cfg.Bot.WebhookSecret) == "" {
			return cfg, errors.New("WEBHOOK_SECRET must be set when UPDATE_MODE=webhook")
		}
	case UpdateModePolling:
	default:
		return cfg, errors.New("UPDATE_MODE must be one of: webhook, polling")
	}
	if cfg.Delivery.Retention <= 0 {
		return cfg, errors.New("RETENTION_WINDOW must be > 0")
	}
	if cfg.Delivery.Pacing < 0 {
		return cfg, errors.New("DELIVERY_PACING must be >= 0")
	}
	if cfg.Delivery.OutboundTimeout <= 0 {
		return cfg, errors.New("OUTBOUND_TIMEOUT must be > 0")
	}
	if cfg.Delivery.OutboundRPS <= 0 {
		return cfg, errors.New("OUTBOUND_RPS must be > 0")
	}
	if cfg.Delivery.EventTimeout <= 0 {
		return cfg, errors.New("EVENT_TIMEOUT must be > 0")
	}
	if cfg.Lifecycle.MaxAttempts < 1 {
		return cfg, errors.New("DELETION_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Lifecycle.BackoffInitial <= 0 || cfg.Lifecycle.BackoffMax < cfg.Lifecycle.BackoffInitial {
		return cfg, errors.New("DELETION_BACKOFF_INITIAL must be > 0 and <= DELETION_BACKOFF_MAX")
	}
	if cfg.Lifecycle.Workers < 1 {
		return cfg, errors.New("DELETION_WORKERS must be >= 1")
	}
	if cfg.Lifecycle.PollInterval <= 0 || cfg.Lifecycle.Lease <= 0 {
		return cfg, errors.New("DELETION_POLL_INTERVAL and DELETION_LEASE must be > 0")
	}
	// A lease that can expire mid-call lets a second worker delete the same message.
	if cfg.Lifecycle.Lease <= cfg.Delivery.OutboundTimeout {
		return cfg, errors.New("DELETION_LEASE must be greater than OUTBOUND_TIMEOUT")
	}
	if cfg.StagingTTL < 0 {
		return cfg, errors.New("STAGING_TTL must be >= 0")
	}
	if strings.TrimSpace(cfg.JanitorSchedule) == "" {
		return cfg, errors.New("JANITOR_SCHEDULE must not be empty")
	}
	if cfg.DedupPosts && cfg.DedupTTL <= 0 {
		return cfg, errors.New("DEDUP_TTL must be > 0 when DEDUP_CHANNEL_POSTS is enabled")
	}
	if cfg.LinkCacheSize < 0 {
		return cfg, errors.New("LINK_CACHE_SIZE must be >= 0")
	}
	if cfg.LinkCacheSize > 0 && cfg.LinkCacheTTL <= 0 {
		return cfg, errors.New("LINK_CACHE_TTL must be > 0 when the cache is enabled")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// Warnings lists settings that load fine but are probably not what the
// operator wants. They are logged at startup.
func (c Config) Warnings() []string {
	var out []string
	if len(c.Bot.TrustedChannels) == 0 {
		out = append(out, "TRUSTED_CHANNELS is empty: posts from any channel are staged, "+
			"and anonymous in-channel /create_series is refused; list the source channels "+
			"or finalize from a private chat")
	}
	if c.DBDriver == DriverPostgres && c.LinkCacheSize > 0 {
		out = append(out, "LINK_CACHE_SIZE > 0 with postgres: a link revoked by one process "+
			"stays cached by the others for up to LINK_CACHE_TTL")
	}
	return out
}

// defaultLinkCacheSize disables the link cache for postgres, which is the
// multi-process backend; process-local caches cannot see revocations made
// elsewhere.
func defaultLinkCacheSize(driver string) int {
	if driver == DriverPostgres {
		return 0
	}
	return 1024
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitIDs parses a comma separated list of chat ids, skipping junk entries.
func splitIDs(s string) []int64 {
	var out []int64
	for _, p := range splitCSV(s) {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil && id != 0 {
			out = append(out, id)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
