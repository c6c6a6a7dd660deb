package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Capture   CaptureConfig
	Engine    EngineConfig
	Throttle  ThrottleConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	Cache     CacheConfig
	Webhook   WebhookConfig
	Batch     BatchConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the local browser engines.
type BrowserConfig struct {
	// Headless controls whether browsers run headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// ExtensionDir is an unpacked cooperating extension loaded by the rod
	// engine. Empty disables extension assist.
	ExtensionDir string

	// Proxies is the rotation list; empty means direct connections.
	Proxies []string
}

// CaptureConfig controls the capture pipeline.
type CaptureConfig struct {
	// MaxWidth and MaxHeight bound the screenshot crop.
	MaxWidth  int // default: 1280
	MaxHeight int // default: 800

	// MinWidth and MinHeight are the smallest acceptable crop.
	MinWidth  int // default: 400
	MinHeight int // default: 200

	// Padding surrounds the context container.
	Padding int // default: 20

	// NavigationTimeout bounds page.Navigate alone.
	NavigationTimeout time.Duration // default: 30s

	// AttemptTimeout bounds one engine attempt end to end.
	AttemptTimeout time.Duration // default: 90s

	ChallengeTimeout  time.Duration // default: 25s
	ChallengeInterval time.Duration // default: 500ms

	ReadinessTimeout  time.Duration // default: 8s
	ReadinessMinChars int           // default: 200

	// SettleDelay is the pause between readiness and the first prune.
	SettleDelay time.Duration // default: 1s
}

// EngineConfig selects the cascade.
type EngineConfig struct {
	Rod           bool // default: true
	Chromedp      bool // default: true
	Playwright    bool // default: false
	ScreenshotAPI bool // default: false

	ScreenshotAPIURL string
	ScreenshotAPIKey string
	ScreenshotAPIRPS float64 // default: 1

	// Preflight enables the static utls probe before the cascade.
	Preflight bool // default: true
}

// ThrottleConfig controls per-site request spacing.
type ThrottleConfig struct {
	MinDelay    time.Duration // default: 2s
	MaxDelay    time.Duration // default: 5s
	Window      time.Duration // default: 1m
	WindowMax   int           // default: 10
	Cooldown    time.Duration // default: 10s
	CooldownMax time.Duration // default: 2m
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting of the HTTP API.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 2

	// Burst is the maximum burst size per API key.
	Burst int // default: 5
}

// StoreConfig controls evidence persistence.
type StoreConfig struct {
	Path string // default: "data/proofshot.db"
}

// CacheConfig controls the evidence cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached records.
	MaxEntries int // default: 1000

	// TTL caps the age of any cached record.
	TTL time.Duration // default: 1h
}

// WebhookConfig controls evidence event delivery.
type WebhookConfig struct {
	URL    string
	Secret string
}

// BatchConfig controls batch captures.
type BatchConfig struct {
	Concurrency int // default: 2
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("PROOFSHOT_HOST", "0.0.0.0"),
			Port: envIntOr("PROOFSHOT_PORT", 8080),
			Mode: envOr("PROOFSHOT_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:     envBoolOr("PROOFSHOT_HEADLESS", true),
			NoSandbox:    envBoolOr("PROOFSHOT_NO_SANDBOX", false),
			BrowserBin:   os.Getenv("PROOFSHOT_BROWSER_BIN"),
			ExtensionDir: os.Getenv("PROOFSHOT_EXTENSION_DIR"),
			Proxies:      envSliceOr("PROOFSHOT_PROXIES", nil),
		},
		Capture: CaptureConfig{
			MaxWidth:          envIntOr("PROOFSHOT_CAPTURE_WIDTH", 1280),
			MaxHeight:         envIntOr("PROOFSHOT_CAPTURE_HEIGHT", 800),
			MinWidth:          envIntOr("PROOFSHOT_CAPTURE_MIN_WIDTH", 400),
			MinHeight:         envIntOr("PROOFSHOT_CAPTURE_MIN_HEIGHT", 200),
			Padding:           envIntOr("PROOFSHOT_CAPTURE_PADDING", 20),
			NavigationTimeout: envDurationOr("PROOFSHOT_NAV_TIMEOUT", 30*time.Second),
			AttemptTimeout:    envDurationOr("PROOFSHOT_ATTEMPT_TIMEOUT", 90*time.Second),
			ChallengeTimeout:  envDurationOr("PROOFSHOT_CHALLENGE_TIMEOUT", 25*time.Second),
			ChallengeInterval: envDurationOr("PROOFSHOT_CHALLENGE_INTERVAL", 500*time.Millisecond),
			ReadinessTimeout:  envDurationOr("PROOFSHOT_READINESS_TIMEOUT", 8*time.Second),
			ReadinessMinChars: envIntOr("PROOFSHOT_READINESS_MIN_CHARS", 200),
			SettleDelay:       envDurationOr("PROOFSHOT_SETTLE_DELAY", time.Second),
		},
		Engine: EngineConfig{
			Rod:              envBoolOr("PROOFSHOT_ENGINE_ROD", true),
			Chromedp:         envBoolOr("PROOFSHOT_ENGINE_CHROMEDP", true),
			Playwright:       envBoolOr("PROOFSHOT_ENGINE_PLAYWRIGHT", false),
			ScreenshotAPI:    envBoolOr("PROOFSHOT_ENGINE_SCREENSHOTAPI", false),
			ScreenshotAPIURL: os.Getenv("PROOFSHOT_SCREENSHOTAPI_URL"),
			ScreenshotAPIKey: os.Getenv("PROOFSHOT_SCREENSHOTAPI_KEY"),
			ScreenshotAPIRPS: envFloatOr("PROOFSHOT_SCREENSHOTAPI_RPS", 1.0),
			Preflight:        envBoolOr("PROOFSHOT_PREFLIGHT", true),
		},
		Throttle: ThrottleConfig{
			MinDelay:    envDurationOr("PROOFSHOT_RATE_MIN_DELAY", 2*time.Second),
			MaxDelay:    envDurationOr("PROOFSHOT_RATE_MAX_DELAY", 5*time.Second),
			Window:      envDurationOr("PROOFSHOT_RATE_WINDOW", time.Minute),
			WindowMax:   envIntOr("PROOFSHOT_RATE_WINDOW_MAX", 10),
			Cooldown:    envDurationOr("PROOFSHOT_RATE_COOLDOWN", 10*time.Second),
			CooldownMax: envDurationOr("PROOFSHOT_RATE_COOLDOWN_MAX", 2*time.Minute),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("PROOFSHOT_AUTH_ENABLED", true),
			APIKeys: envSliceOr("PROOFSHOT_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("PROOFSHOT_RATE_RPS", 2.0),
			Burst:             envIntOr("PROOFSHOT_RATE_BURST", 5),
		},
		Store: StoreConfig{
			Path: envOr("PROOFSHOT_DB_PATH", "data/proofshot.db"),
		},
		Cache: CacheConfig{
			MaxEntries: envIntOr("PROOFSHOT_CACHE_MAX_ENTRIES", 1000),
			TTL:        envDurationOr("PROOFSHOT_CACHE_TTL", time.Hour),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("PROOFSHOT_WEBHOOK_URL"),
			Secret: os.Getenv("PROOFSHOT_WEBHOOK_SECRET"),
		},
		Batch: BatchConfig{
			Concurrency: envIntOr("PROOFSHOT_BATCH_CONCURRENCY", 2),
		},
		Log: LogConfig{
			Level:  envOr("PROOFSHOT_LOG_LEVEL", "info"),
			Format: envOr("PROOFSHOT_LOG_FORMAT", "json"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
