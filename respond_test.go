package main

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONGzipsLargeBodies(t *testing.T) {
	payload := map[string]string{"text": strings.Repeat("docconv ", 400)}

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	req.Header.Set("Accept-Encoding", "br, gzip;q=0.8")
	rec := httptest.NewRecorder()
	writeJSON(rec, req, http.StatusOK, payload)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip encoding")
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil || got["text"] != payload["text"] {
		t.Fatalf("unexpected body after gunzip (%v)", err)
	}

	small := httptest.NewRecorder()
	writeJSON(small, req, http.StatusOK, map[string]int{"n": 1})
	if small.Header().Get("Content-Encoding") != "" {
		t.Fatalf("expected small body uncompressed")
	}
}

func TestWriteJSONConditionalGet(t *testing.T) {
	first := httptest.NewRecorder()
	writeJSON(first, httptest.NewRequest(http.MethodGet, "/x", nil), http.StatusOK, map[string]int{"n": 1})
	etag := first.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"`) {
		t.Fatalf("expected weak ETag, got %q", etag)
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("If-None-Match", strings.TrimPrefix(etag, "W/"))
	rec := httptest.NewRecorder()
	writeJSON(rec, req, http.StatusOK, map[string]int{"n": 1})
	if rec.Code != http.StatusNotModified || rec.Body.Len() != 0 {
		t.Fatalf("expected empty 304, got %d", rec.Code)
	}

	post := httptest.NewRequest(http.MethodPost, "/x", nil)
	post.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	writeJSON(rec, post, http.StatusOK, map[string]int{"n": 1})
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != "" {
		t.Fatalf("expected POST to bypass conditional handling, got %d", rec.Code)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{newAPIError(KindAccessDenied, "access denied"), http.StatusForbidden, "ACCESS_DENIED"},
		{newAPIError(KindServerBusy, "busy").withSuggestion("retry"), http.StatusServiceUnavailable, "SERVER_BUSY"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodPost, "/api/convert", nil), discardLogger(), "req-1", tc.err)
		if rec.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["code"] != tc.code || body["requestId"] != "req-1" {
			t.Fatalf("unexpected envelope %v", body)
		}
		if strings.Contains(rec.Body.String(), "disk on fire") {
			t.Fatalf("internal error detail leaked: %s", rec.Body.String())
		}
	}
}

func TestAcceptsGzip(t *testing.T) {
	cases := map[string]bool{
		"":                  false,
		"gzip":              true,
		"deflate, GZIP":     true,
		"gzip;q=0":          false,
		"gzip; q=0, br":     false,
		"br;q=1, gzip;q=.5": true,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", header)
		if got := acceptsGzip(req); got != want {
			t.Fatalf("acceptsGzip(%q) = %v, want %v", header, got, want)
		}
	}
}
