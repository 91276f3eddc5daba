package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStatic(t *testing.T, files map[string][]byte) *StaticFiles {
	t.Helper()
	root := t.TempDir()
	for name, data := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	static, err := NewStaticFiles(root, time.Minute, nil)
	if err != nil {
		t.Fatalf("new static files: %v", err)
	}
	return static
}

func TestStaticServesAssetWithETag(t *testing.T) {
	static := newTestStatic(t, map[string][]byte{
		"index.html":    []byte("<html>app</html>"),
		"assets/app.js": []byte("console.log('hi')"),
	})

	rec := get(static, "/assets/app.js")
	if rec.Code != http.StatusOK || rec.Body.String() != "console.log('hi')" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" || rec.Header().Get("Last-Modified") == "" {
		t.Fatalf("expected ETag and Last-Modified headers")
	}
	if static.cached() != 1 {
		t.Fatalf("expected the asset cached, got %d entries", static.cached())
	}

	if cond := get(static, "/assets/app.js", "If-None-Match", etag); cond.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", cond.Code)
	}
}

func TestStaticFallsBackToIndex(t *testing.T) {
	static := newTestStatic(t, map[string][]byte{"index.html": []byte("<html>app</html>")})

	for _, target := range []string{"/", "/settings/profile", "/../../etc/passwd"} {
		rec := get(static, target)
		if rec.Code != http.StatusOK || rec.Body.String() != "<html>app</html>" {
			t.Fatalf("%s: expected index.html, got %d %q", target, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Cache-Control") != "no-cache" {
			t.Fatalf("%s: expected index.html to be revalidated", target)
		}
	}
}

func TestStaticWithoutIndexIs404(t *testing.T) {
	static := newTestStatic(t, nil)
	if rec := get(static, "/anything"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStaticStreamsLargeFilesUncached(t *testing.T) {
	big := bytes.Repeat([]byte("a"), staticCacheMaxFileBytes+10)
	static := newTestStatic(t, map[string][]byte{
		"index.html": []byte("<html></html>"),
		"video.bin":  big,
	})

	rec := get(static, "/video.bin")
	if rec.Code != http.StatusOK || rec.Body.Len() != len(big) {
		t.Fatalf("expected full body, got %d with %d bytes", rec.Code, rec.Body.Len())
	}
	if static.cached() != 0 {
		t.Fatalf("expected large file not cached")
	}

	req := httptest.NewRequest(http.MethodGet, "/video.bin", nil)
	req.Header.Set("Range", "bytes=0-9")
	ranged := httptest.NewRecorder()
	static.ServeHTTP(ranged, req)
	if ranged.Code != http.StatusPartialContent || ranged.Body.Len() != 10 {
		t.Fatalf("expected 206 with 10 bytes, got %d with %d", ranged.Code, ranged.Body.Len())
	}
}

func TestStaticReloadsAfterTTL(t *testing.T) {
	static := newTestStatic(t, map[string][]byte{"index.html": []byte("v1")})
	now := time.Now()
	static.now = func() time.Time { return now }

	if body := get(static, "/").Body.String(); body != "v1" {
		t.Fatalf("expected v1, got %q", body)
	}

	// same size and mtime, so only the TTL can expose the change
	path := filepath.Join(static.root, "index.html")
	info, _ := os.Stat(path)
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	_ = os.Chtimes(path, info.ModTime(), info.ModTime())

	if body := get(static, "/").Body.String(); body != "v1" {
		t.Fatalf("expected cached v1 within TTL, got %q", body)
	}
	now = now.Add(2 * time.Minute)
	if body := get(static, "/").Body.String(); body != "v2" {
		t.Fatalf("expected v2 after TTL, got %q", body)
	}
}
