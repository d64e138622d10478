// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxMaxMemoryMB  = 16384
	maxTimeout      = 10 * time.Minute
	maxRateLimitRPM = 10000 // Maximum requests per minute per IP
	minAPIKeyLength = 16
)

// Config holds all application configuration, loaded once from the
// environment at startup and passed by reference to every subsystem.
type Config struct {
	// Server
	Host string
	Port int

	// Browser / pool
	Headless           bool
	BrowserPath        string
	BrowserPoolTimeout time.Duration
	MaxMemoryMB        int
	MemoryHardLimit    float64 // percent; acquire refuses at or above this
	PromotionThreshold int64   // COLD -> HOT useCount threshold

	// Janitor bands (mem>=80, 60<=mem<80, mem<60)
	JanitorHighInterval time.Duration
	JanitorHighColdTTL  time.Duration
	JanitorHighHotTTL   time.Duration
	JanitorMidInterval  time.Duration
	JanitorMidColdTTL   time.Duration
	JanitorMidHotTTL    time.Duration
	JanitorLowInterval  time.Duration
	JanitorLowColdTTL   time.Duration
	JanitorLowHotTTL    time.Duration

	// Dispatcher (MemoryAdaptive)
	DispatcherMode              string // "fixed" or "adaptive"
	DispatcherFixedConcurrency  int
	DispatcherSoftThreshold     float64
	DispatcherCriticalThreshold float64
	DispatcherRecoveryThreshold float64
	DispatcherMaxInflight       int
	DispatcherFairnessTimeout   time.Duration
	DispatcherHardWaitTimeout   time.Duration
	DispatcherTickInterval      time.Duration

	// Rate limiter
	RateLimiterMinDelay          time.Duration
	RateLimiterMaxDelay          time.Duration
	RateLimiterMaxRetries        int
	RateLimiterOverridePath      string
	RateLimiterOverrideHotReload bool

	// Monitor
	MonitorRingCapacity  int
	MonitorMaxAge        time.Duration
	MonitorSampleTick    time.Duration
	MonitorTimelinePoint int

	// PersistenceWorker
	PersistenceHintCapacity int
	PersistenceTTL          time.Duration

	// PushBroker
	BrokerTick        time.Duration
	BrokerSendTimeout time.Duration
	BrokerMaxMisses   int

	// JobRegistry
	JobTTL            time.Duration
	JobSweepInterval  time.Duration
	JobStaleDeadline  time.Duration

	// WebhookDispatcher
	WebhookMaxAttempts   int
	WebhookMaxDelay      time.Duration
	WebhookAttemptTimeout time.Duration

	// KVStore backend
	KVStoreBackend string // "memory" or "badger"
	BadgerDir      string

	// Timeouts
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// Proxy defaults
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	RateLimitEnabled   bool // per-IP HTTP edge limiter (distinct from the per-domain crawl RateLimiter)
	RateLimitRPM       int
	TrustProxy         bool
	IgnoreCertErrors   bool
	CORSAllowedOrigins []string
	AllowLocalProxies  bool

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string

	// Graceful shutdown
	DrainDeadline time.Duration

	// CrawlerEngine timeouts
	CrawlTimeout       time.Duration // default ceiling for non-stream crawls
	CrawlStreamTimeout time.Duration // ceiling for stream-init
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8080),

		Headless:           getEnvBool("HEADLESS", true),
		BrowserPath:        getEnvString("BROWSER_PATH", ""),
		BrowserPoolTimeout: getEnvDuration("BROWSER_POOL_TIMEOUT", 30*time.Second),
		MaxMemoryMB:        getEnvInt("MAX_MEMORY_MB", 2048),
		MemoryHardLimit:    getEnvFloat("MEMORY_HARD_LIMIT_PERCENT", 95.0),
		PromotionThreshold: int64(getEnvInt("PROMOTION_THRESHOLD", 3)),

		JanitorHighInterval: getEnvDuration("JANITOR_HIGH_INTERVAL", 10*time.Second),
		JanitorHighColdTTL:  getEnvDuration("JANITOR_HIGH_COLD_TTL", 30*time.Second),
		JanitorHighHotTTL:   getEnvDuration("JANITOR_HIGH_HOT_TTL", 120*time.Second),
		JanitorMidInterval:  getEnvDuration("JANITOR_MID_INTERVAL", 30*time.Second),
		JanitorMidColdTTL:   getEnvDuration("JANITOR_MID_COLD_TTL", 60*time.Second),
		JanitorMidHotTTL:    getEnvDuration("JANITOR_MID_HOT_TTL", 300*time.Second),
		JanitorLowInterval:  getEnvDuration("JANITOR_LOW_INTERVAL", 60*time.Second),
		JanitorLowColdTTL:   getEnvDuration("JANITOR_LOW_COLD_TTL", 300*time.Second),
		JanitorLowHotTTL:    getEnvDuration("JANITOR_LOW_HOT_TTL", 600*time.Second),

		DispatcherMode:              getEnvString("DISPATCHER_MODE", "adaptive"),
		DispatcherFixedConcurrency:  getEnvInt("DISPATCHER_FIXED_CONCURRENCY", 10),
		DispatcherSoftThreshold:     getEnvFloat("DISPATCHER_SOFT_THRESHOLD", 70.0),
		DispatcherCriticalThreshold: getEnvFloat("DISPATCHER_CRITICAL_THRESHOLD", 85.0),
		DispatcherRecoveryThreshold: getEnvFloat("DISPATCHER_RECOVERY_THRESHOLD", 65.0),
		DispatcherMaxInflight:       getEnvInt("DISPATCHER_MAX_INFLIGHT", 20),
		DispatcherFairnessTimeout:   getEnvDuration("DISPATCHER_FAIRNESS_TIMEOUT", 600*time.Second),
		DispatcherHardWaitTimeout:   getEnvDuration("DISPATCHER_HARD_WAIT_TIMEOUT", 600*time.Second),
		DispatcherTickInterval:      getEnvDuration("DISPATCHER_TICK_INTERVAL", 1*time.Second),

		RateLimiterMinDelay:          getEnvDuration("RATE_LIMITER_MIN_DELAY", 1*time.Second),
		RateLimiterMaxDelay:          getEnvDuration("RATE_LIMITER_MAX_DELAY", 30*time.Second),
		RateLimiterMaxRetries:        getEnvInt("RATE_LIMITER_MAX_RETRIES", 3),
		RateLimiterOverridePath:      getEnvString("RATE_LIMITER_OVERRIDE_PATH", ""),
		RateLimiterOverrideHotReload: getEnvBool("RATE_LIMITER_OVERRIDE_HOT_RELOAD", true),

		MonitorRingCapacity:  getEnvInt("MONITOR_RING_CAPACITY", 100),
		MonitorMaxAge:        getEnvDuration("MONITOR_MAX_AGE", 300*time.Second),
		MonitorSampleTick:    getEnvDuration("MONITOR_SAMPLE_TICK", 5*time.Second),
		MonitorTimelinePoint: getEnvInt("MONITOR_TIMELINE_POINTS", 60),

		PersistenceHintCapacity: getEnvInt("PERSISTENCE_HINT_CAPACITY", 10),
		PersistenceTTL:          getEnvDuration("PERSISTENCE_TTL", 24*time.Hour),

		BrokerTick:        getEnvDuration("BROKER_TICK", 2*time.Second),
		BrokerSendTimeout: getEnvDuration("BROKER_SEND_TIMEOUT", 1*time.Second),
		BrokerMaxMisses:   getEnvInt("BROKER_MAX_MISSES", 3),

		JobTTL:           getEnvDuration("JOB_TTL", 24*time.Hour),
		JobSweepInterval: getEnvDuration("JOB_SWEEP_INTERVAL", 1*time.Minute),
		JobStaleDeadline: getEnvDuration("JOB_STALE_DEADLINE", 1*time.Hour),

		WebhookMaxAttempts:    getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookMaxDelay:       getEnvDuration("WEBHOOK_MAX_DELAY", 32*time.Second),
		WebhookAttemptTimeout: getEnvDuration("WEBHOOK_ATTEMPT_TIMEOUT", 30*time.Second),

		KVStoreBackend: getEnvString("KVSTORE_BACKEND", "memory"),
		BadgerDir:      getEnvString("BADGER_DIR", "./data/badger"),

		DefaultTimeout: getEnvDuration("DEFAULT_TIMEOUT", 60*time.Second),
		MaxTimeout:     getEnvDuration("MAX_TIMEOUT", 300*time.Second),

		ProxyURL:      getEnvString("PROXY_URL", ""),
		ProxyUsername: getEnvString("PROXY_USERNAME", ""),
		ProxyPassword: getEnvString("PROXY_PASSWORD", ""),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		IgnoreCertErrors:   getEnvBool("IGNORE_CERT_ERRORS", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
		AllowLocalProxies:  getEnvBool("ALLOW_LOCAL_PROXIES", false),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),

		DrainDeadline: getEnvDuration("DRAIN_DEADLINE", 30*time.Second),

		CrawlTimeout:       getEnvDuration("CRAWL_TIMEOUT", 300*time.Second),
		CrawlStreamTimeout: getEnvDuration("CRAWL_STREAM_TIMEOUT", 30*time.Second),
	}
}

// HasDefaultProxy returns true if a default proxy is configured.
func (c *Config) HasDefaultProxy() bool {
	return c.ProxyURL != ""
}

// Validate checks configuration values and logs warnings for invalid
// values. Invalid values are corrected to sane defaults rather than
// failing startup.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8080")
		c.Port = 8080
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("BrowserPath contains path traversal sequence (..), ignoring")
		c.BrowserPath = ""
	}

	if c.MaxMemoryMB < 256 {
		log.Warn().Int("mb", c.MaxMemoryMB).Msg("Memory limit too low, using default 2048")
		c.MaxMemoryMB = 2048
	} else if c.MaxMemoryMB > maxMaxMemoryMB {
		log.Warn().Int("mb", c.MaxMemoryMB).Int("max", maxMaxMemoryMB).Msg("Memory limit too high, capping to maximum")
		c.MaxMemoryMB = maxMaxMemoryMB
	}

	if c.MemoryHardLimit <= 0 || c.MemoryHardLimit > 100 {
		log.Warn().Float64("percent", c.MemoryHardLimit).Msg("Invalid MEMORY_HARD_LIMIT_PERCENT, using 95")
		c.MemoryHardLimit = 95.0
	}

	if c.PromotionThreshold < 1 {
		log.Warn().Int64("threshold", c.PromotionThreshold).Msg("Invalid PROMOTION_THRESHOLD, using 3")
		c.PromotionThreshold = 3
	}

	if c.MaxTimeout < time.Second {
		log.Warn().Dur("timeout", c.MaxTimeout).Msg("Max timeout too short, using 300s")
		c.MaxTimeout = 300 * time.Second
	}
	if c.MaxTimeout > maxTimeout {
		log.Warn().Dur("timeout", c.MaxTimeout).Dur("max", maxTimeout).Msg("Max timeout too high, capping to maximum")
		c.MaxTimeout = maxTimeout
	}
	if c.DefaultTimeout < time.Second {
		log.Warn().Dur("timeout", c.DefaultTimeout).Msg("Default timeout too short, using 60s")
		c.DefaultTimeout = 60 * time.Second
	}
	if c.DefaultTimeout > c.MaxTimeout {
		log.Warn().Dur("default", c.DefaultTimeout).Dur("max", c.MaxTimeout).Msg("Default timeout exceeds max timeout, adjusting to max")
		c.DefaultTimeout = c.MaxTimeout
	}

	const minPoolTimeout = 1 * time.Second
	const maxPoolTimeout = 5 * time.Minute
	if c.BrowserPoolTimeout < minPoolTimeout {
		c.BrowserPoolTimeout = minPoolTimeout
	} else if c.BrowserPoolTimeout > maxPoolTimeout {
		c.BrowserPoolTimeout = maxPoolTimeout
	}

	if c.DispatcherMode != "fixed" && c.DispatcherMode != "adaptive" {
		log.Warn().Str("mode", c.DispatcherMode).Msg("Invalid DISPATCHER_MODE, using 'adaptive'")
		c.DispatcherMode = "adaptive"
	}
	if c.DispatcherFixedConcurrency < 1 {
		c.DispatcherFixedConcurrency = 10
	}
	if c.DispatcherMaxInflight < 1 {
		c.DispatcherMaxInflight = 20
	}
	if !(c.DispatcherRecoveryThreshold < c.DispatcherSoftThreshold && c.DispatcherSoftThreshold < c.DispatcherCriticalThreshold) {
		log.Warn().
			Float64("recovery", c.DispatcherRecoveryThreshold).
			Float64("soft", c.DispatcherSoftThreshold).
			Float64("critical", c.DispatcherCriticalThreshold).
			Msg("Dispatcher thresholds out of order, resetting to defaults")
		c.DispatcherRecoveryThreshold = 65.0
		c.DispatcherSoftThreshold = 70.0
		c.DispatcherCriticalThreshold = 85.0
	}

	if c.RateLimiterMinDelay <= 0 {
		c.RateLimiterMinDelay = 1 * time.Second
	}
	if c.RateLimiterMaxDelay < c.RateLimiterMinDelay {
		log.Warn().Msg("RATE_LIMITER_MAX_DELAY below min delay, adjusting to min")
		c.RateLimiterMaxDelay = c.RateLimiterMinDelay
	}
	if c.RateLimiterMaxRetries < 0 {
		c.RateLimiterMaxRetries = 3
	}

	if c.MonitorRingCapacity < 1 {
		c.MonitorRingCapacity = 100
	}
	if c.MonitorTimelinePoint < 1 {
		c.MonitorTimelinePoint = 60
	}

	if c.WebhookMaxAttempts < 1 {
		c.WebhookMaxAttempts = 5
	}
	if c.WebhookAttemptTimeout <= 0 {
		c.WebhookAttemptTimeout = 30 * time.Second
	}

	if c.KVStoreBackend != "memory" && c.KVStoreBackend != "badger" {
		log.Warn().Str("backend", c.KVStoreBackend).Msg("Invalid KVSTORE_BACKEND, using 'memory'")
		c.KVStoreBackend = "memory"
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().Str("addr", c.PProfBindAddr).Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected")
	}

	if c.ProxyURL != "" && !strings.Contains(c.ProxyURL, "://") {
		log.Error().Str("proxy_url", c.ProxyURL).Msg("ProxyURL missing scheme")
	}
	if c.ProxyUsername != "" && c.ProxyPassword == "" {
		log.Warn().Msg("PROXY_USERNAME set but PROXY_PASSWORD is empty")
	}

	usedPorts := map[int]string{}
	if c.Port > 0 {
		usedPorts[c.Port] = "PORT"
	}
	if c.PProfEnabled {
		if _, exists := usedPorts[c.PProfPort]; exists {
			log.Error().Int("port", c.PProfPort).Msg("PPROF_PORT conflicts with PORT, disabling pprof")
			c.PProfEnabled = false
		}
	}

	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - requests with a missing or empty X-API-Key header will be accepted")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().Int("length", len(c.APIKey)).Int("min_required", minAPIKeyLength).Msg("API_KEY is too short for secure authentication")
		}
	}

	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 30 * time.Second
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Int("default", defaultValue).Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Float64("default", defaultValue).Msg("Invalid float in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("default", defaultValue).Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Dur("default", defaultValue).Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
