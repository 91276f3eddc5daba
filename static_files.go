package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// files at or above this size are streamed and never cached
	staticCacheMaxFileBytes = 1 << 20
	staticCacheEntries      = 128
	spaEntry                = "index.html"
)

type staticEntry struct {
	data     []byte
	etag     string
	modTime  time.Time
	cachedAt time.Time
}

// StaticFiles serves the SPA bundle. Small files are kept in an LRU with a
// fixed TTL; unknown paths fall back to index.html.
type StaticFiles struct {
	root   string
	ttl    time.Duration
	cache  *lru.Cache[string, staticEntry]
	logger *slog.Logger
	now    func() time.Time
}

func NewStaticFiles(root string, ttl time.Duration, logger *slog.Logger) (*StaticFiles, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve static dir: %w", err)
	}
	cache, err := lru.New[string, staticEntry](staticCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("static cache: %w", err)
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &StaticFiles{
		root:   abs,
		ttl:    ttl,
		cache:  cache,
		logger: logger.With("component", "static"),
		now:    time.Now,
	}, nil
}

func (s *StaticFiles) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// cleaning a rooted path removes every ".." segment
	rel := path.Clean("/" + r.URL.Path)
	if rel == "/" {
		rel = "/" + spaEntry
	}
	full := filepath.Join(s.root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		full = filepath.Join(s.root, spaEntry)
		info, err = os.Stat(full)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
	}

	if filepath.Base(full) == spaEntry {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}

	if info.Size() >= staticCacheMaxFileBytes {
		s.stream(w, r, full, info)
		return
	}
	entry, err := s.load(full, info)
	if err != nil {
		s.logger.Warn("static read failed", "path", full, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("ETag", entry.etag)
	http.ServeContent(w, r, filepath.Base(full), entry.modTime, bytes.NewReader(entry.data))
}

// load returns the cached bytes of a small file, rereading it once the TTL
// has passed or the file changed on disk.
func (s *StaticFiles) load(full string, info fs.FileInfo) (staticEntry, error) {
	if entry, ok := s.cache.Get(full); ok {
		if s.now().Sub(entry.cachedAt) <= s.ttl && entry.modTime.Equal(info.ModTime()) {
			return entry, nil
		}
		s.cache.Remove(full)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return staticEntry{}, err
	}
	entry := staticEntry{
		data:     data,
		etag:     fmt.Sprintf(`"%016x"`, xxhash.Sum64(data)),
		modTime:  info.ModTime(),
		cachedAt: s.now(),
	}
	s.cache.Add(full, entry)
	return entry, nil
}

func (s *StaticFiles) stream(w http.ResponseWriter, r *http.Request, full string, info fs.FileInfo) {
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Warn("static open failed", "path", full, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	http.ServeContent(w, r, filepath.Base(full), info.ModTime(), f)
}

func (s *StaticFiles) cached() int {
	return s.cache.Len()
}
