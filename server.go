package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Server owns every piece of mutable state the handlers share. It is built
// once at startup and passed to the handlers by reference.
type Server struct {
	cfg    *Config
	logger *slog.Logger

	pool         *ProcessPool
	orchestrator *Orchestrator
	cache        *ConversionCache
	jobs         *JobStore
	static       *StaticFiles
	limiter      RateLimiter
	apiLimiter   *rate.Limiter
	redis        *redis.Client

	activeConversions atomic.Int64
	completedJobs     atomic.Int64
	failedJobs        atomic.Int64
	cacheHits         atomic.Int64

	startedAt time.Time
	newJobID  func() string
}

// NewServer wires the components described by cfg. Redis is optional: when
// it is not configured or not reachable, rate limiting stays in memory.
func NewServer(ctx context.Context, cfg *Config, logger *slog.Logger) (*Server, error) {
	jobs, err := NewJobStore(cfg.JobsDir, cfg.JobTTL, cfg.JobMaxKeep, logger)
	if err != nil {
		return nil, err
	}
	static, err := NewStaticFiles(cfg.StaticDir, cfg.StaticCacheTTL, logger)
	if err != nil {
		return nil, err
	}
	pool := NewProcessPool(cfg.MaxConcurrentProcesses, logger)
	script := &ConversionScript{
		Interpreter: cfg.Interpreter,
		Path:        cfg.ScriptPath,
		Timeout:     cfg.ProcessTimeout,
		Exec:        pool,
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		orchestrator: NewOrchestrator(script, logger),
		cache:        NewConversionCache(cfg.CacheMaxSize, cfg.CacheTTL),
		jobs:         jobs,
		static:       static,
		apiLimiter:   rate.NewLimiter(rate.Limit(cfg.APIRatePerSecond), cfg.APIRateBurst),
		startedAt:    time.Now(),
		newJobID:     uuid.NewString,
	}

	memory := newMemoryRateLimiter(cfg.MaxRequestsPerMinute)
	s.limiter = memory
	if client := connectRedis(ctx, cfg, logger); client != nil {
		s.redis = client
		s.limiter = newRedisRateLimiter(client, cfg.MaxRequestsPerMinute, memory, logger.With("component", "rate_limit"))
	}
	return s, nil
}

// Handler returns the routed handler with CORS and request scoping applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/convert", s.handleConvert)
	mux.HandleFunc("/api/jobs/", rateLimitMiddleware(s.apiLimiter, s.logger, s.handleJobs))
	mux.HandleFunc("/api/metrics", rateLimitMiddleware(s.apiLimiter, s.logger, s.handleMetrics))
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/", s.handleUnknownAPI)
	mux.Handle("/", s.static)

	return withRequestScope(s.logger, corsMiddleware(s.cfg.AllowedOrigins, mux))
}

// Close stops running conversions and releases the Redis connection.
func (s *Server) Close() error {
	s.pool.Shutdown()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			return fmt.Errorf("close redis: %w", err)
		}
	}
	return nil
}
