package main

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const gzipMinBytes = 1024

// writeJSON is the single JSON responder: it sets a weak ETag unless the
// caller already chose one, answers matching conditional GETs with 304 and
// gzips larger bodies when the client accepts it.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Add("Vary", "Accept-Encoding")

	if status == http.StatusOK && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		etag := h.Get("ETag")
		if etag == "" {
			etag = weakETag(body)
			h.Set("ETag", etag)
		}
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	if len(body) >= gzipMinBytes && acceptsGzip(r) {
		h.Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		gz := gzip.NewWriter(w)
		_, _ = gz.Write(body)
		_ = gz.Close()
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError renders err in the error envelope and logs it with the request
// id. Nothing is dropped silently at this boundary.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, requestID string, err error) {
	apiErr := asAPIError(err)
	status := apiErr.Kind.Status()

	envelope := make(map[string]any, len(apiErr.Fields)+5)
	for k, v := range apiErr.Fields {
		envelope[k] = v
	}
	envelope["requestId"] = requestID
	envelope["status"] = status
	envelope["code"] = string(apiErr.Kind)
	envelope["error"] = apiErr.Message
	if apiErr.Suggestion != "" {
		envelope["suggestion"] = apiErr.Suggestion
	}

	attrs := []any{"status", status, "code", apiErr.Kind, "error", err}
	switch {
	case status >= 500:
		logger.Error("request failed", attrs...)
	default:
		logger.Warn("request rejected", attrs...)
	}
	writeJSON(w, r, status, envelope)
}

func weakETag(data []byte) string {
	return fmt.Sprintf(`W/"%016x"`, xxhash.Sum64(data))
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}
