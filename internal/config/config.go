// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, backing services (Firestore, Cloud Storage,
// OpenAI, Gemini, Redis), generation limits, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
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

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "ad-generator")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// FirebaseConfig holds the service account and project the Admin SDK uses.
type FirebaseConfig struct {
	ProjectID       string // project_id | FIREBASE_ADMIN_PROJECT_ID | FIREBASE_PROJECT_ID
	ClientEmail     string // client_email | FIREBASE_ADMIN_CLIENT_EMAIL
	PrivateKey      string // private_key | FIREBASE_ADMIN_PRIVATE_KEY
	CredentialsFile string // GOOGLE_APPLICATION_CREDENTIALS
	StorageBucket   string // FIREBASE_STORAGE_BUCKET
}

// OpenAIConfig configures the image model client.
type OpenAIConfig struct {
	APIKey     string        // OPENAI_API_KEY
	BaseURL    string        // OPENAI_BASE_URL
	ImageModel string        // OPENAI_IMAGE_MODEL
	Quality    string        // OPENAI_IMAGE_QUALITY
	Timeout    time.Duration // OPENAI_TIMEOUT
}

// GeminiConfig configures the brainstorm chat model.
type GeminiConfig struct {
	APIKey string // GOOGLE_API_KEY
	Model  string // GEMINI_MODEL
}

// Store and storage drivers.
const (
	StoreFirestore = "firestore"
	StoreSQLite    = "sqlite"
	StorageGCS     = "gcs"
	StorageLocal   = "local"
)

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // must exceed FlowTimeout
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body limit; uploads arrive as data URIs
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Backing services
	StoreDriver     string // firestore|sqlite
	StorageDriver   string // gcs|local
	DBPath          string // SQLite path (sqlite driver, idempotency ledger)
	LocalStorageDir string // image directory (local driver)
	PublicBaseURL   string // BACKEND_URL | NEXT_PUBLIC_BACKEND_URL | NEXT_PUBLIC_API_URL
	RedisAddr       string // optional; enables cross-replica record locks
	Firebase        FirebaseConfig
	OpenAI          OpenAIConfig
	Gemini          GeminiConfig

	// Generation
	AuthRequired  bool          // require a Firebase ID token on API routes
	EditLockTTL   time.Duration // upper bound on a stranded record lock
	FlowTimeout   time.Duration // one create or edit, end to end
	StaleAfter    time.Duration // processing records older than this are failed
	SweepInterval time.Duration // how often the stale sweep runs
	MaxImageBytes int64         // per source image

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

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
		ReadTimeout:       getdur("READ_TIMEOUT", 30*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 6*time.Minute),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 50<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api")),

		// Backing services
		StoreDriver:     strings.ToLower(getenv("STORE_DRIVER", "")),
		StorageDriver:   strings.ToLower(getenv("STORAGE_DRIVER", "")),
		DBPath:          getenv("DB_PATH", "app.db"),
		LocalStorageDir: getenv("LOCAL_STORAGE_DIR", "data/images"),
		PublicBaseURL:   strings.TrimRight(firstenv("", "BACKEND_URL", "NEXT_PUBLIC_BACKEND_URL", "NEXT_PUBLIC_API_URL"), "/"),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		Firebase: FirebaseConfig{
			ProjectID:       firstenv("", "project_id", "FIREBASE_ADMIN_PROJECT_ID", "FIREBASE_PROJECT_ID"),
			ClientEmail:     firstenv("", "client_email", "FIREBASE_ADMIN_CLIENT_EMAIL"),
			PrivateKey:      firstenv("", "private_key", "FIREBASE_ADMIN_PRIVATE_KEY"),
			CredentialsFile: getenv("GOOGLE_APPLICATION_CREDENTIALS", ""),
			StorageBucket:   getenv("FIREBASE_STORAGE_BUCKET", ""),
		},
		OpenAI: OpenAIConfig{
			APIKey:     getenv("OPENAI_API_KEY", ""),
			BaseURL:    getenv("OPENAI_BASE_URL", "https://api.openai.com"),
			ImageModel: getenv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
			Quality:    getenv("OPENAI_IMAGE_QUALITY", ""),
			Timeout:    getdur("OPENAI_TIMEOUT", 4*time.Minute),
		},
		Gemini: GeminiConfig{
			APIKey: getenv("GOOGLE_API_KEY", ""),
			Model:  getenv("GEMINI_MODEL", "gemini-2.5-flash"),
		},

		// Generation
		AuthRequired:  getbool("AUTH_REQUIRED", false),
		EditLockTTL:   getdur("EDIT_LOCK_TTL", 10*time.Minute),
		FlowTimeout:   getdur("FLOW_TIMEOUT", 5*time.Minute),
		StaleAfter:    getdur("STALE_AFTER", 15*time.Minute),
		SweepInterval: getdur("SWEEP_INTERVAL", time.Minute),
		MaxImageBytes: int64(getint("MAX_IMAGE_BYTES", 20<<20)),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "ad-generator"),
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
	// With Firebase credentials present, production drivers are the default.
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreSQLite
		if cfg.Firebase.ProjectID != "" {
			cfg.StoreDriver = StoreFirestore
		}
	}
	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageLocal
		if cfg.Firebase.StorageBucket != "" {
			cfg.StorageDriver = StorageGCS
		}
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}

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
	if cfg.MaxBodyBytes <= 0 || cfg.MaxImageBytes <= 0 {
		return cfg, errors.New("MAX_BODY_BYTES and MAX_IMAGE_BYTES must be > 0")
	}
	switch cfg.StoreDriver {
	case StoreFirestore:
		if cfg.Firebase.ProjectID == "" {
			return cfg, errors.New("STORE_DRIVER=firestore requires a Firebase project id")
		}
	case StoreSQLite:
	default:
		return cfg, errors.New("STORE_DRIVER must be firestore or sqlite")
	}
	switch cfg.StorageDriver {
	case StorageGCS:
		if cfg.Firebase.StorageBucket == "" || cfg.Firebase.ProjectID == "" {
			return cfg, errors.New("STORAGE_DRIVER=gcs requires FIREBASE_STORAGE_BUCKET and a Firebase project id")
		}
	case StorageLocal:
		if strings.TrimSpace(cfg.LocalStorageDir) == "" {
			return cfg, errors.New("LOCAL_STORAGE_DIR must not be empty")
		}
	default:
		return cfg, errors.New("STORAGE_DRIVER must be gcs or local")
	}
	if cfg.AuthRequired && cfg.Firebase.ProjectID == "" {
		return cfg, errors.New("AUTH_REQUIRED needs a Firebase project id")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.OpenAI.APIKey) == "" {
		return cfg, errors.New("OPENAI_API_KEY must be set")
	}
	if cfg.OpenAI.Timeout <= 0 || cfg.FlowTimeout <= 0 || cfg.EditLockTTL <= 0 || cfg.SweepInterval <= 0 {
		return cfg, errors.New("OPENAI_TIMEOUT, FLOW_TIMEOUT, EDIT_LOCK_TTL and SWEEP_INTERVAL must be > 0")
	}
	if cfg.StaleAfter <= cfg.FlowTimeout {
		return cfg, errors.New("STALE_AFTER must exceed FLOW_TIMEOUT")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

// firstenv returns the first non-empty variable among keys, or def.
func firstenv(def string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
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
