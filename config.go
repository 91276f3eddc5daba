package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server settings in their runtime types.
type Config struct {
	Port       string
	JobsDir    string
	StaticDir  string
	ScriptPath string
	// Interpreter runs ScriptPath when set (e.g. "bash" or "node").
	Interpreter string

	JobTTL     time.Duration
	JobMaxKeep int

	MaxBodyBytes int64

	CacheTTL       time.Duration
	CacheMaxSize   int
	StaticCacheTTL time.Duration

	MaxConcurrentProcesses   int
	MaxConcurrentConversions int
	ProcessTimeout           time.Duration

	MaxRequestsPerMinute int
	APIRatePerSecond     float64
	APIRateBurst         int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AllowedOrigins []string

	LogLevel string
	AppEnv   string
}

// Defaults used when a variable is absent or invalid.
const (
	DefaultPort                     = "3000"
	DefaultJobTTL                   = time.Hour
	DefaultJobMaxKeep               = 200
	DefaultMaxBodyBytes             = 50 << 20
	DefaultCacheTTL                 = 30 * time.Minute
	DefaultCacheMaxSize             = 100
	DefaultStaticCacheTTL           = 5 * time.Minute
	DefaultMaxConcurrentProcesses   = 4
	DefaultMaxConcurrentConversions = 10
	DefaultProcessTimeout           = 10 * time.Minute
	DefaultMaxRequestsPerMinute     = 30
	DefaultAPIRatePerSecond         = 100
	DefaultAPIRateBurst             = 200
)

// LoadConfig reads the environment. Absence of a variable means "use the
// default", never an error.
func LoadConfig() *Config {
	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		JobsDir:     getEnv("JOBS_DIR", "jobs"),
		StaticDir:   getEnv("STATIC_DIR", "dist"),
		ScriptPath:  getEnv("CONVERT_SCRIPT", "scripts/convert.sh"),
		Interpreter: getEnv("CONVERT_INTERPRETER", ""),

		JobTTL:     getEnvAsMillis("JOB_TTL_MS", DefaultJobTTL),
		JobMaxKeep: getEnvAsInt("JOB_MAX_KEEP", DefaultJobMaxKeep),

		MaxBodyBytes: int64(getEnvAsInt("MAX_BODY_BYTES", DefaultMaxBodyBytes)),

		CacheTTL:       getEnvAsMillis("CONVERSION_CACHE_TTL_MS", DefaultCacheTTL),
		CacheMaxSize:   getEnvAsInt("CONVERSION_CACHE_MAX_SIZE", DefaultCacheMaxSize),
		StaticCacheTTL: getEnvAsMillis("STATIC_CACHE_TTL_MS", DefaultStaticCacheTTL),

		MaxConcurrentProcesses:   getEnvAsInt("MAX_CONCURRENT_PROCESSES", DefaultMaxConcurrentProcesses),
		MaxConcurrentConversions: getEnvAsInt("MAX_CONCURRENT_CONVERSIONS", DefaultMaxConcurrentConversions),
		ProcessTimeout:           getEnvAsMillis("PROCESS_TIMEOUT_MS", DefaultProcessTimeout),

		MaxRequestsPerMinute: getEnvAsInt("MAX_REQUESTS_PER_MINUTE", DefaultMaxRequestsPerMinute),
		APIRatePerSecond:     getEnvAsFloat("API_RATE_PER_SECOND", DefaultAPIRatePerSecond),
		APIRateBurst:         getEnvAsInt("API_RATE_BURST", DefaultAPIRateBurst),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		AppEnv:   getEnv("APP_ENV", "development"),
	}
	return cfg
}

// Validate resets values that would make the server misbehave and reports
// each correction.
func (c *Config) Validate(logger *slog.Logger) {
	fix := func(name string, got, want any) {
		logger.Warn("invalid configuration value, using default", "key", name, "value", got, "default", want)
	}
	if c.JobTTL <= 0 {
		fix("JOB_TTL_MS", c.JobTTL, DefaultJobTTL)
		c.JobTTL = DefaultJobTTL
	}
	if c.JobMaxKeep < 1 {
		fix("JOB_MAX_KEEP", c.JobMaxKeep, DefaultJobMaxKeep)
		c.JobMaxKeep = DefaultJobMaxKeep
	}
	if c.MaxBodyBytes < 1 {
		fix("MAX_BODY_BYTES", c.MaxBodyBytes, DefaultMaxBodyBytes)
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.CacheTTL <= 0 {
		fix("CONVERSION_CACHE_TTL_MS", c.CacheTTL, DefaultCacheTTL)
		c.CacheTTL = DefaultCacheTTL
	}
	if c.CacheMaxSize < 1 {
		fix("CONVERSION_CACHE_MAX_SIZE", c.CacheMaxSize, DefaultCacheMaxSize)
		c.CacheMaxSize = DefaultCacheMaxSize
	}
	if c.StaticCacheTTL <= 0 {
		fix("STATIC_CACHE_TTL_MS", c.StaticCacheTTL, DefaultStaticCacheTTL)
		c.StaticCacheTTL = DefaultStaticCacheTTL
	}
	if c.MaxConcurrentProcesses < 1 {
		fix("MAX_CONCURRENT_PROCESSES", c.MaxConcurrentProcesses, DefaultMaxConcurrentProcesses)
		c.MaxConcurrentProcesses = DefaultMaxConcurrentProcesses
	}
	if c.MaxConcurrentConversions < 1 {
		fix("MAX_CONCURRENT_CONVERSIONS", c.MaxConcurrentConversions, DefaultMaxConcurrentConversions)
		c.MaxConcurrentConversions = DefaultMaxConcurrentConversions
	}
	if c.ProcessTimeout < 0 {
		fix("PROCESS_TIMEOUT_MS", c.ProcessTimeout, DefaultProcessTimeout)
		c.ProcessTimeout = DefaultProcessTimeout
	}
	if c.MaxRequestsPerMinute < 1 {
		fix("MAX_REQUESTS_PER_MINUTE", c.MaxRequestsPerMinute, DefaultMaxRequestsPerMinute)
		c.MaxRequestsPerMinute = DefaultMaxRequestsPerMinute
	}
	if c.APIRatePerSecond <= 0 {
		fix("API_RATE_PER_SECOND", c.APIRatePerSecond, DefaultAPIRatePerSecond)
		c.APIRatePerSecond = DefaultAPIRatePerSecond
	}
	if c.APIRateBurst < 1 {
		fix("API_RATE_BURST", c.APIRateBurst, DefaultAPIRateBurst)
		c.APIRateBurst = DefaultAPIRateBurst
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
}

// ListenAddr returns the address passed to the HTTP server.
func (c *Config) ListenAddr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if val, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return val
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if val, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return val
	}
	return fallback
}

func getEnvAsMillis(key string, fallback time.Duration) time.Duration {
	if val, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil {
		return time.Duration(val) * time.Millisecond
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
