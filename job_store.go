package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

const (
	manifestName    = "meta.json"
	manifestTmpName = manifestName + ".tmp"
)

// JobStore owns the on-disk job directories under root.
type JobStore struct {
	root    string
	ttl     time.Duration
	maxKeep int
	logger  *slog.Logger

	now       func() time.Time
	removeAll func(string) error
	sweeping  atomic.Bool
	rerun     atomic.Bool
}

// SweepStats summarizes one sweep pass.
type SweepStats struct {
	Expired int
	Evicted int
	Failed  int
	Kept    int
}

func NewJobStore(root string, ttl time.Duration, maxKeep int, logger *slog.Logger) (*JobStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve jobs dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &JobStore{
		root:      abs,
		ttl:       ttl,
		maxKeep:   maxKeep,
		logger:    logger.With("component", "job_store"),
		now:       time.Now,
		removeAll: os.RemoveAll,
	}, nil
}

func (s *JobStore) Root() string { return s.root }

// JobDir resolves the directory of jobID without touching the filesystem.
func (s *JobStore) JobDir(jobID string) (string, error) {
	return resolveWithin(s.root, sanitizePathSegment(jobID))
}

// Create makes the working directory for a new job.
func (s *JobStore) Create(jobID string) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// FilePath resolves an artifact fileName inside the directory of jobID. The
// manifest files are not artifacts and are refused.
func (s *JobStore) FilePath(jobID, fileName string) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	name := sanitizePathSegment(fileName)
	if isReservedName(name) {
		return "", newAPIError(KindAccessDenied, "access denied").
			withSuggestion("Fetch job metadata from /api/jobs/{jobId}.")
	}
	return resolveWithin(dir, name)
}

// UploadName returns the name the upload is stored under in its job
// directory, stepping aside from the manifest files.
func UploadName(name string) string {
	if !isReservedName(name) {
		return name
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + "_upload" + ext
}

func isReservedName(name string) bool {
	return name == manifestName || name == manifestTmpName
}

// WriteManifest persists m as the job's meta.json. The file is written to a
// temporary name first so readers never see a partial manifest.
func (s *JobStore) WriteManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	path := filepath.Join(dir, manifestName)
	tmp := filepath.Join(dir, manifestTmpName)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest of jobID together with a weak ETag of the
// stored bytes. The manifest never changes, so neither does the tag.
func (s *JobStore) ReadManifest(jobID string) (Manifest, string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return Manifest{}, "", err
	}
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return Manifest{}, "", newAPIError(KindFileNotFound, "job not found").
			withSuggestion("Jobs expire after a while; convert the document again.").
			withField("jobId", sanitizePathSegment(jobID))
	}
	if err != nil {
		return Manifest{}, "", fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, "", fmt.Errorf("decode manifest: %w", err)
	}
	return m, weakETag(data), nil
}

// SweepAsync starts a sweep in the background.
func (s *JobStore) SweepAsync() {
	go s.Sweep()
}

// Sweep deletes job directories older than the TTL, then the oldest of the
// remaining ones while more than maxKeep exist. Failures are logged and
// skipped. A call made while another sweep runs returns at once and makes
// the running sweep do one more pass.
func (s *JobStore) Sweep() SweepStats {
	var total SweepStats
	if !s.sweeping.CompareAndSwap(false, true) {
		s.rerun.Store(true)
		return total
	}
	for {
		s.rerun.Store(false)
		stats := s.sweepOnce()
		total.Expired += stats.Expired
		total.Evicted += stats.Evicted
		total.Failed += stats.Failed
		total.Kept = stats.Kept
		s.sweeping.Store(false)

		if !s.rerun.Load() {
			return total
		}
		if !s.sweeping.CompareAndSwap(false, true) {
			// another caller started a fresh pass that covers the trigger
			return total
		}
	}
}

func (s *JobStore) sweepOnce() SweepStats {
	var stats SweepStats
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("sweep: list jobs failed", "error", err)
		return stats
	}

	type jobDir struct {
		path  string
		mtime time.Time
	}
	now := s.now()
	var survivors []jobDir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed concurrently
			continue
		}
		path := filepath.Join(s.root, entry.Name())
		if now.Sub(info.ModTime()) > s.ttl {
			if s.remove(path, "expired") {
				stats.Expired++
			} else {
				stats.Failed++
			}
			continue
		}
		survivors = append(survivors, jobDir{path: path, mtime: info.ModTime()})
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].mtime.Before(survivors[j].mtime)
	})
	excess := len(survivors) - s.maxKeep
	for i := 0; i < excess; i++ {
		if s.remove(survivors[i].path, "evicted") {
			stats.Evicted++
		} else {
			stats.Failed++
		}
	}
	stats.Kept = len(survivors) - max(excess, 0)
	if stats.Expired+stats.Evicted+stats.Failed > 0 {
		s.logger.Info("sweep finished", "expired", stats.Expired, "evicted", stats.Evicted, "failed", stats.Failed, "kept", stats.Kept)
	}
	return stats
}

func (s *JobStore) remove(path, reason string) bool {
	if err := s.removeAll(path); err != nil {
		s.logger.Warn("sweep: delete job failed", "path", path, "reason", reason, "error", err)
		return false
	}
	s.logger.Debug("sweep: job deleted", "path", path, "reason", reason)
	return true
}

// sanitizePathSegment drops every character outside [A-Za-z0-9._-].
func sanitizePathSegment(name string) string {
	return strings.Map(func(r rune) rune {
		if isSafeNameRune(r) {
			return r
		}
		return -1
	}, name)
}

// sanitizeFileName keeps the last path component of an uploaded name and
// replaces unsafe characters with '_'.
func sanitizeFileName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if isSafeNameRune(r) {
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "document"
	}
	return name
}

func isSafeNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '.' || r == '-' || r == '_'
}

// resolveWithin joins name onto base and rejects anything that does not end
// up strictly inside base.
func resolveWithin(base, name string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base: %w", err)
	}
	target := filepath.Join(absBase, name)
	rel, err := filepath.Rel(absBase, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", newAPIError(KindAccessDenied, "access denied").
			withSuggestion("Use the download URLs returned by the convert endpoint.")
	}
	return target, nil
}
