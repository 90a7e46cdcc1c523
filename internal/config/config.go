// Package config loads process settings for the API server, the delivery
// worker and the operator commands. Values come from the environment and,
// optionally, a YAML/TOML/JSON file whose keys are the lower-cased variable
// names (read_timeout: 15s). The environment wins over the file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry tracing settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// EmailConfig configures the outbound email API client.
type EmailConfig struct {
	BaseURL   string        // EMAIL_BASE_URL
	Sender    string        // EMAIL_SENDER
	AuthToken string        // EMAIL_AUTH_TOKEN
	Timeout   time.Duration // EMAIL_TIMEOUT
}

// RetryConfig configures the exponential backoff of failed deliveries.
type RetryConfig struct {
	BaseDelay   time.Duration // RETRY_BASE_DELAY
	MaxDelay    time.Duration // RETRY_MAX_DELAY
	MaxAttempts int           // RETRY_MAX_ATTEMPTS
}

// WorkerConfig configures the background delivery worker.
type WorkerConfig struct {
	Count           int           // WORKER_COUNT, loops per process
	BatchSize       int           // WORKER_BATCH_SIZE
	PollInterval    time.Duration // WORKER_POLL_INTERVAL
	ErrorBackoff    time.Duration // WORKER_ERROR_BACKOFF
	SendTimeout     time.Duration // WORKER_SEND_TIMEOUT
	SendConcurrency int           // WORKER_SEND_CONCURRENCY
	SendRatePerSec  float64       // WORKER_SEND_RATE_PER_SEC, 0 = unlimited
	RetainDone      bool          // WORKER_RETAIN_DONE
	StaleAfter      time.Duration // WORKER_STALE_AFTER
	SweepSchedule   string        // WORKER_SWEEP_SCHEDULE
	MetricsAddr     string        // WORKER_METRICS_ADDR
	PublishDLQ      bool          // WORKER_PUBLISH_DLQ
	NsqdTCPAddr     string        // NSQD_TCP_ADDR
	DLQTopic        string        // NSQ_DLQ_TOPIC
}

// Config holds every setting of a process.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string

	// Storage and links
	DBDriver string // sqlite|postgres|mysql
	DBPath   string // SQLite file
	DBDSN    string // postgres/mysql DSN
	BaseURL  string // public URL used in confirmation links

	// Rate limiting
	RateRPS   float64
	RateBurst int

	CORS     CORSConfig
	Security SecurityConfig

	// How long a stored Idempotency-Key response is replayed
	IdempotencyTTL time.Duration

	Email  EmailConfig
	Retry  RetryConfig
	Worker WorkerConfig
	OTEL   OTELConfig
}

// defaults holds the fallback for every key. Keys double as environment
// variable names once upper-cased.
var defaults = map[string]string{
	"port":                "8080",
	"read_timeout":        "15s",
	"read_header_timeout": "10s",
	"write_timeout":       "20s",
	"idle_timeout":        "60s",
	"max_header_bytes":    "1048576",
	"gin_mode":            "release",

	"log_level":       "info",
	"log_pretty":      "false",
	"swagger_enabled": "false",
	"api_base_path":   "/api/v1",

	"db_driver": "sqlite",
	"db_path":   "newsletter.db",
	"db_dsn":    "",
	"base_url":  "http://localhost:8080",

	"rate_rps":   "5",
	"rate_burst": "10",

	"cors_allowed_origins": "",
	"enable_hsts":          "false",
	"hsts_max_age":         "4320h",

	"idempotency_ttl": "48h",

	"email_base_url":   "http://localhost:8025",
	"email_sender":     "newsletter@example.com",
	"email_auth_token": "",
	"email_timeout":    "10s",

	"retry_base_delay":   "1s",
	"retry_max_delay":    "5m",
	"retry_max_attempts": "10",

	"worker_count":             "1",
	"worker_batch_size":        "10",
	"worker_poll_interval":     "10s",
	"worker_error_backoff":     "1s",
	"worker_send_timeout":      "10s",
	"worker_send_concurrency":  "4",
	"worker_send_rate_per_sec": "0",
	"worker_retain_done":       "false",
	"worker_stale_after":       "5m",
	"worker_sweep_schedule":    "@every 1m",
	"worker_metrics_addr":      ":8082",
	"worker_publish_dlq":       "false",
	"nsqd_tcp_addr":            "localhost:4150",
	"nsq_dlq_topic":            "newsletter_deliveries_dlq",

	"otel_enabled":                "false",
	"otel_exporter_otlp_endpoint": "localhost:4317",
	"otel_exporter_otlp_insecure": "true",
	"otel_service_name":           "go-newsletter-backend",
	"otel_traces_sampler_arg":     "1",
}

// MustLoad loads the configuration from the environment and panics on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration from the environment only.
func Load() (Config, error) { return LoadFile("") }

// LoadFile reads path (when not empty) underneath the environment, then
// normalizes and validates the result. Malformed values are reported
// together, one per key.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	r := &reader{v: v}
	cfg := Config{
		Port:              r.str("port"),
		ReadTimeout:       r.duration("read_timeout"),
		ReadHeaderTimeout: r.duration("read_header_timeout"),
		WriteTimeout:      r.duration("write_timeout"),
		IdleTimeout:       r.duration("idle_timeout"),
		MaxHeaderBytes:    r.integer("max_header_bytes"),
		GinMode:           strings.ToLower(r.str("gin_mode")),

		LogLevel:       strings.ToLower(r.str("log_level")),
		LogPretty:      r.flag("log_pretty"),
		SwaggerEnabled: r.flag("swagger_enabled"),
		APIBasePath:    normalizeBasePath(r.str("api_base_path")),

		DBDriver: strings.ToLower(r.str("db_driver")),
		DBPath:   r.str("db_path"),
		DBDSN:    r.str("db_dsn"),
		BaseURL:  strings.TrimRight(r.str("base_url"), "/"),

		RateRPS:   r.number("rate_rps"),
		RateBurst: r.integer("rate_burst"),

		CORS: CORSConfig{AllowedOrigins: splitCSV(r.str("cors_allowed_origins"))},
		Security: SecurityConfig{
			EnableHSTS: r.flag("enable_hsts"),
			HSTSMaxAge: r.duration("hsts_max_age"),
		},

		IdempotencyTTL: r.duration("idempotency_ttl"),

		Email: EmailConfig{
			BaseURL:   r.str("email_base_url"),
			Sender:    r.str("email_sender"),
			AuthToken: r.str("email_auth_token"),
			Timeout:   r.duration("email_timeout"),
		},
		Retry: RetryConfig{
			BaseDelay:   r.duration("retry_base_delay"),
			MaxDelay:    r.duration("retry_max_delay"),
			MaxAttempts: r.integer("retry_max_attempts"),
		},
		Worker: WorkerConfig{
			Count:           r.integer("worker_count"),
			BatchSize:       r.integer("worker_batch_size"),
			PollInterval:    r.duration("worker_poll_interval"),
			ErrorBackoff:    r.duration("worker_error_backoff"),
			SendTimeout:     r.duration("worker_send_timeout"),
			SendConcurrency: r.integer("worker_send_concurrency"),
			SendRatePerSec:  r.number("worker_send_rate_per_sec"),
			RetainDone:      r.flag("worker_retain_done"),
			StaleAfter:      r.duration("worker_stale_after"),
			SweepSchedule:   r.str("worker_sweep_schedule"),
			MetricsAddr:     r.str("worker_metrics_addr"),
			PublishDLQ:      r.flag("worker_publish_dlq"),
			NsqdTCPAddr:     r.str("nsqd_tcp_addr"),
			DLQTopic:        r.str("nsq_dlq_topic"),
		},
		OTEL: OTELConfig{
			Enabled:     r.flag("otel_enabled"),
			Endpoint:    r.str("otel_exporter_otlp_endpoint"),
			Insecure:    r.flag("otel_exporter_otlp_insecure"),
			ServiceName: r.str("otel_service_name"),
			SampleRatio: r.number("otel_traces_sampler_arg"),
		},
	}
	if err := errors.Join(r.errs...); err != nil {
		return cfg, err
	}

	normalize(&cfg)
	return cfg, validate(cfg)
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" {
		cfg.DBDriver = "postgres"
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if cfg.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DBDriver {
	case "sqlite":
		if cfg.DBPath == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if cfg.DBDSN == "" {
			return errors.New("DB_DSN is required for DB_DRIVER=" + cfg.DBDriver)
		}
	default:
		return errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Email.BaseURL == "" || cfg.Email.Sender == "" {
		return errors.New("EMAIL_BASE_URL and EMAIL_SENDER must not be empty")
	}
	if cfg.Email.Timeout <= 0 {
		return errors.New("EMAIL_TIMEOUT must be > 0")
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return errors.New("RETRY_BASE_DELAY must be > 0 and <= RETRY_MAX_DELAY")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	w := cfg.Worker
	if w.Count < 1 || w.BatchSize < 1 || w.SendConcurrency < 1 {
		return errors.New("WORKER_COUNT, WORKER_BATCH_SIZE and WORKER_SEND_CONCURRENCY must be >= 1")
	}
	if w.PollInterval <= 0 || w.ErrorBackoff <= 0 || w.SendTimeout <= 0 || w.StaleAfter <= 0 {
		return errors.New("worker durations must be positive")
	}
	if w.StaleAfter <= w.SendTimeout {
		return errors.New("WORKER_STALE_AFTER must exceed WORKER_SEND_TIMEOUT")
	}
	if w.SendRatePerSec < 0 {
		return errors.New("WORKER_SEND_RATE_PER_SEC must be >= 0")
	}
	if w.PublishDLQ && w.NsqdTCPAddr == "" {
		return errors.New("NSQD_TCP_ADDR is required when WORKER_PUBLISH_DLQ is set")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// reader parses viper values, collecting one error per malformed key.
type reader struct {
	v    *viper.Viper
	errs []error
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) bad(key, kind, val string) {
	r.errs = append(r.errs, fmt.Errorf("%s: invalid %s %q", strings.ToUpper(key), kind, val))
}

func (r *reader) integer(key string) int {
	s := r.str(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		r.bad(key, "integer", s)
	}
	return n
}

func (r *reader) number(key string) float64 {
	s := r.str(key)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.bad(key, "number", s)
	}
	return f
}

func (r *reader) duration(key string) time.Duration {
	s := r.str(key)
	d, err := time.ParseDuration(s)
	if err != nil {
		r.bad(key, "duration", s)
	}
	return d
}

func (r *reader) flag(key string) bool {
	s := r.str(key)
	switch strings.ToLower(s) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	r.bad(key, "boolean", s)
	return false
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips trailing ones.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}
