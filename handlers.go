package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// handleConvert runs the conversion pipeline: rate limit, concurrency
// limit, capped body read, validation, cache lookup and, on a miss, job
// setup, orchestration, manifest, cache store and a background sweep.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestLogger(ctx, s.logger)
	reqID := requestID(ctx)
	fail := func(err error) { writeError(w, r, logger, reqID, err) }

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !s.limiter.Allow(ctx, clientIP(r)) {
		fail(newAPIError(KindRateLimit, "too many conversion requests").
			withSuggestion("Wait a minute before converting more documents.").
			withField("limit", s.cfg.MaxRequestsPerMinute))
		return
	}

	if s.activeConversions.Add(1) > int64(s.cfg.MaxConcurrentConversions) {
		s.activeConversions.Add(-1)
		fail(newAPIError(KindServerBusy, "server busy").
			withSuggestion("Too many conversions are running; please retry shortly."))
		return
	}
	defer s.activeConversions.Add(-1)

	req, err := s.readConvertRequest(w, r)
	if err != nil {
		fail(err)
		return
	}
	data, err := decodeFileData(req.FileData)
	if err != nil {
		fail(err)
		return
	}

	name := sanitizeFileName(req.FileName)
	inputType := detectInputType(name)
	formats := filterFormats(inputType, req.Formats)
	if len(formats) == 0 {
		fail(newAPIError(KindInputValidation, fmt.Sprintf("no supported output formats requested for %s input", inputType)).
			withSuggestion("Request one of: "+strings.Join(allowedTargets[inputType], ", ")+".").
			withField("supportedFormats", allowedTargets[inputType]))
		return
	}

	key := CacheKey(data, formats)
	if cached, ok := s.cache.Get(key); ok {
		s.cacheHits.Add(1)
		logger.Info("conversion served from cache", "jobId", cached.JobID, "formats", formats)
		writeJSON(w, r, http.StatusOK, newJobResponse(cached, reqID, true))
		return
	}

	manifest, err := s.convert(name, inputType, data, formats)
	if err != nil {
		s.failedJobs.Add(1)
		fail(err)
		return
	}
	s.cache.Put(key, manifest)
	s.completedJobs.Add(1)
	logger.Info("conversion finished", "jobId", manifest.JobID, "formats", formats, "outputs", len(manifest.Outputs))
	writeJSON(w, r, http.StatusOK, newJobResponse(manifest, reqID, false))

	s.jobs.SweepAsync()
}

func (s *Server) convert(name string, inputType InputType, data []byte, formats []string) (Manifest, error) {
	jobID := s.newJobID()
	dir, err := s.jobs.Create(jobID)
	if err != nil {
		return Manifest{}, err
	}
	inputPath := filepath.Join(dir, UploadName(name))
	if err := os.WriteFile(inputPath, data, 0o644); err != nil {
		return Manifest{}, fmt.Errorf("write upload: %w", err)
	}

	outputs, logs, err := s.orchestrator.Convert(conversionJob{
		ID:        jobID,
		Dir:       dir,
		InputPath: inputPath,
		Type:      inputType,
	}, formats)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{
		JobID:        jobID,
		OriginalName: name,
		CreatedAt:    time.Now().UTC(),
		Outputs:      outputs,
		Logs:         logs,
	}
	if err := s.jobs.WriteManifest(dir, manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// readConvertRequest reads at most MaxBodyBytes and stops as soon as the
// limit is crossed, before anything touches the disk.
func (s *Server) readConvertRequest(w http.ResponseWriter, r *http.Request) (ConvertRequest, error) {
	limit := s.cfg.MaxBodyBytes
	tooLarge := newAPIError(KindPayloadTooLarge, "request body too large").
		withSuggestion(fmt.Sprintf("Upload documents smaller than %d bytes.", limit)).
		withField("maxBytes", limit)

	if r.ContentLength > limit {
		return ConvertRequest{}, tooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ConvertRequest{}, tooLarge.wrap(err)
		}
		return ConvertRequest{}, newAPIError(KindInputValidation, "could not read request body").wrap(err)
	}

	var req ConvertRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ConvertRequest{}, newAPIError(KindInputValidation, "invalid JSON payload").
			withSuggestion(`Send {"fileName", "fileData", "formats"} as JSON.`).
			wrap(err)
	}
	var missing []string
	if strings.TrimSpace(req.FileName) == "" {
		missing = append(missing, "fileName")
	}
	if strings.TrimSpace(req.FileData) == "" {
		missing = append(missing, "fileData")
	}
	if len(missing) > 0 {
		return ConvertRequest{}, newAPIError(KindInputValidation, "missing required fields: "+strings.Join(missing, ", ")).
			withField("missing", missing)
	}
	return req, nil
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// decodeFileData accepts plain base64 or a data URL.
func decodeFileData(raw string) ([]byte, error) {
	invalid := newAPIError(KindInputValidation, "fileData must be base64 or a data URL")
	payload := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(payload, "data:"); ok {
		meta, encoded, found := strings.Cut(rest, ",")
		if !found {
			return nil, invalid
		}
		if !strings.HasSuffix(strings.ToLower(meta), ";base64") {
			text, err := url.PathUnescape(encoded)
			if err != nil {
				return nil, invalid.wrap(err)
			}
			return nonEmpty([]byte(text))
		}
		payload = encoded
	}

	payload = strings.Join(strings.Fields(payload), "")
	var lastErr error
	for _, enc := range base64Encodings {
		data, err := enc.DecodeString(payload)
		if err == nil {
			return nonEmpty(data)
		}
		lastErr = err
	}
	return nil, invalid.wrap(lastErr)
}

func nonEmpty(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, newAPIError(KindInputValidation, "uploaded file is empty")
	}
	return data, nil
}

// handleJobs serves /api/jobs/{jobId} and /api/jobs/{jobId}/files/{fileName}.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestLogger(ctx, s.logger)
	reqID := requestID(ctx)

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		manifest, etag, err := s.jobs.ReadManifest(parts[0])
		if err != nil {
			writeError(w, r, logger, reqID, err)
			return
		}
		// the request id changes on every call, so tag the stored manifest
		w.Header().Set("ETag", etag)
		writeJSON(w, r, http.StatusOK, newJobResponse(manifest, reqID, false))
	case len(parts) == 3 && parts[1] == "files" && parts[2] != "":
		s.serveJobFile(w, r, parts[0], parts[2])
	default:
		writeError(w, r, logger, reqID, newAPIError(KindFileNotFound, "not found"))
	}
}

// serveJobFile streams one artifact. The path is validated before any
// filesystem access.
func (s *Server) serveJobFile(w http.ResponseWriter, r *http.Request, jobID, fileName string) {
	ctx := r.Context()
	logger := requestLogger(ctx, s.logger)
	reqID := requestID(ctx)

	path, err := s.jobs.FilePath(jobID, fileName)
	if err != nil {
		writeError(w, r, logger, reqID, err)
		return
	}
	notFound := newAPIError(KindFileNotFound, "file not found").
		withSuggestion("The job may have expired; convert the document again.").
		withField("fileName", filepath.Base(path))

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, r, logger, reqID, notFound)
		return
	}
	if err != nil {
		writeError(w, r, logger, reqID, fmt.Errorf("open artifact: %w", err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, r, logger, reqID, notFound)
		return
	}

	name := filepath.Base(path)
	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleUnknownAPI(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, requestLogger(r.Context(), s.logger), requestID(r.Context()),
		newAPIError(KindFileNotFound, "unknown API endpoint"))
}

var artifactContentTypes = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".pdf":  "application/pdf",
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".json": "application/json",
}

func contentTypeFor(name string) string {
	if ct, ok := artifactContentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
