package main

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, r, http.StatusOK, s.metrics())
}

func (s *Server) metrics() MetricsResponse {
	return MetricsResponse{
		Pool:              s.pool.Metrics(),
		ActiveConversions: s.activeConversions.Load(),
		MaxConversions:    s.cfg.MaxConcurrentConversions,
		CompletedJobs:     s.completedJobs.Load(),
		FailedJobs:        s.failedJobs.Load(),
		CacheHits:         s.cacheHits.Load(),
		CacheEntries:      s.cache.Len(),
		UptimeSeconds:     time.Since(s.startedAt).Seconds(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	pool := s.pool.Metrics()
	active := s.activeConversions.Load()

	status := "healthy"
	if active >= int64(s.cfg.MaxConcurrentConversions) || pool.Queued > pool.MaxConcurrent*2 {
		status = "overloaded"
	}
	writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:            status,
		ActiveConversions: active,
		ActiveProcesses:   pool.Active,
		QueuedProcesses:   pool.Queued,
		Uptime:            time.Since(s.startedAt).Truncate(time.Second).String(),
		MemoryUsage:       memoryUsage(),
	})
}

func memoryUsage() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return humanize.IBytes(m.Alloc)
}
