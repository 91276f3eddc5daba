package main

import "time"

// ConvertRequest is the body of POST /api/convert. FileData is base64 or a
// data URL.
type ConvertRequest struct {
	FileName string   `json:"fileName"`
	FileData string   `json:"fileData"`
	Formats  []string `json:"formats"`
}

// OutputFile describes one produced artifact.
type OutputFile struct {
	Format   string `json:"format"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

// StepLog records one conversion script invocation.
type StepLog struct {
	Step   string `json:"step"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Manifest is persisted as meta.json once every output of a job exists.
// It is never rewritten.
type Manifest struct {
	JobID        string       `json:"jobId"`
	OriginalName string       `json:"originalName"`
	CreatedAt    time.Time    `json:"createdAt"`
	Outputs      []OutputFile `json:"outputs"`
	Logs         []StepLog    `json:"logs"`
}

// JobResponse is returned by the convert and job metadata endpoints. Cached
// and fresh conversions share this shape; only FromCache tells them apart.
type JobResponse struct {
	JobID        string       `json:"jobId"`
	RequestID    string       `json:"requestId"`
	OriginalName string       `json:"originalName"`
	CreatedAt    time.Time    `json:"createdAt"`
	Outputs      []OutputFile `json:"outputs"`
	Logs         []StepLog    `json:"logs"`
	FromCache    bool         `json:"fromCache,omitempty"`
}

func newJobResponse(m Manifest, requestID string, fromCache bool) JobResponse {
	outputs := m.Outputs
	if outputs == nil {
		outputs = []OutputFile{}
	}
	logs := m.Logs
	if logs == nil {
		logs = []StepLog{}
	}
	return JobResponse{
		JobID:        m.JobID,
		RequestID:    requestID,
		OriginalName: m.OriginalName,
		CreatedAt:    m.CreatedAt,
		Outputs:      outputs,
		Logs:         logs,
		FromCache:    fromCache,
	}
}

// MetricsResponse is served by GET /api/metrics.
type MetricsResponse struct {
	Pool              PoolMetrics `json:"pool"`
	ActiveConversions int64       `json:"activeConversions"`
	MaxConversions    int         `json:"maxConcurrentConversions"`
	CompletedJobs     int64       `json:"completedJobs"`
	FailedJobs        int64       `json:"failedJobs"`
	CacheHits         int64       `json:"cacheHits"`
	CacheEntries      int         `json:"cacheEntries"`
	UptimeSeconds     float64     `json:"uptimeSeconds"`
}

// HealthStatus is served by GET /api/health.
type HealthStatus struct {
	Status            string `json:"status"`
	ActiveConversions int64  `json:"activeConversions"`
	ActiveProcesses   int    `json:"activeProcesses"`
	QueuedProcesses   int    `json:"queuedProcesses"`
	Uptime            string `json:"uptime"`
	MemoryUsage       string `json:"memoryUsage"`
}
