package main

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestJobStore(t *testing.T, ttl time.Duration, maxKeep int) *JobStore {
	t.Helper()
	store, err := NewJobStore(filepath.Join(t.TempDir(), "jobs"), ttl, maxKeep, nil)
	if err != nil {
		t.Fatalf("new job store: %v", err)
	}
	return store
}

func makeJobDir(t *testing.T, store *JobStore, id string, age time.Duration) string {
	t.Helper()
	dir, err := store.Create(id)
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.md"), []byte("# x"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(dir, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return dir
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestSweepRemovesExpiredJobsRegardlessOfCount(t *testing.T) {
	store := newTestJobStore(t, time.Hour, 10)
	old := makeJobDir(t, store, "old", 2*time.Hour)
	fresh := makeJobDir(t, store, "fresh", time.Minute)

	stats := store.Sweep()
	if stats.Expired != 1 || stats.Evicted != 0 {
		t.Fatalf("expected 1 expired and 0 evicted, got %+v", stats)
	}
	if exists(old) {
		t.Fatalf("expected expired job removed")
	}
	if !exists(fresh) {
		t.Fatalf("expected fresh job kept")
	}
}

func TestSweepEvictsOldestBeyondMaxKeep(t *testing.T) {
	store := newTestJobStore(t, time.Hour, 2)
	a := makeJobDir(t, store, "a", 4*time.Minute)
	b := makeJobDir(t, store, "b", 3*time.Minute)
	c := makeJobDir(t, store, "c", 2*time.Minute)
	d := makeJobDir(t, store, "d", time.Minute)

	stats := store.Sweep()
	if stats.Evicted != 2 || stats.Kept != 2 {
		t.Fatalf("expected 2 evicted and 2 kept, got %+v", stats)
	}
	if exists(a) || exists(b) {
		t.Fatalf("expected the two oldest jobs removed")
	}
	if !exists(c) || !exists(d) {
		t.Fatalf("expected the two newest jobs kept")
	}
}

func TestSweepIgnoresLooseFilesAndSwallowsErrors(t *testing.T) {
	store := newTestJobStore(t, time.Hour, 10)
	makeJobDir(t, store, "old", 2*time.Hour)
	loose := filepath.Join(store.Root(), "notes.txt")
	if err := os.WriteFile(loose, []byte("x"), 0o644); err != nil {
		t.Fatalf("write loose file: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	_ = os.Chtimes(loose, old, old)

	store.removeAll = func(string) error { return errors.New("device busy") }
	stats := store.Sweep()
	if stats.Failed != 1 || stats.Expired != 0 {
		t.Fatalf("expected one failed deletion, got %+v", stats)
	}
	if !exists(loose) {
		t.Fatalf("expected loose file untouched")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	store := newTestJobStore(t, time.Hour, 10)
	dir, err := store.Create("job-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := Manifest{
		JobID:        "job-1",
		OriginalName: "notes.md",
		CreatedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Outputs:      []OutputFile{{Format: "docx", FileName: "notes.docx", Size: 10, URL: "/api/jobs/job-1/files/notes.docx"}},
		Logs:         []StepLog{{Step: "to-docx", Stdout: "ok"}},
	}
	if err := store.WriteManifest(dir, want); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	got, etag, err := store.ReadManifest("job-1")
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if _, again, _ := store.ReadManifest("job-1"); etag == "" || again != etag {
		t.Fatalf("expected a stable ETag, got %q and %q", etag, again)
	}
	if got.JobID != want.JobID || !got.CreatedAt.Equal(want.CreatedAt) || len(got.Outputs) != 1 || got.Outputs[0] != want.Outputs[0] {
		t.Fatalf("unexpected manifest %+v", got)
	}

	_, _, err = store.ReadManifest("missing")
	if apiErr := asAPIError(err); apiErr.Kind != KindFileNotFound {
		t.Fatalf("expected FILE_NOT_FOUND, got %v", err)
	}
}

func TestPathTraversalIsRejected(t *testing.T) {
	store := newTestJobStore(t, time.Hour, 10)

	cases := []struct {
		jobID, fileName string
	}{
		{"..", "passwd"},
		{"", "passwd"},
		{".", "passwd"},
		{"job", ".."},
		{"job", "."},
		{"job", ""},
		{"job", "meta.json"},
		{"job", "meta.json.tmp"},
	}
	for _, tc := range cases {
		_, err := store.FilePath(tc.jobID, tc.fileName)
		if apiErr := asAPIError(err); err == nil || apiErr.Kind != KindAccessDenied {
			t.Fatalf("expected ACCESS_DENIED for %q/%q, got %v", tc.jobID, tc.fileName, err)
		}
	}

	path, err := store.FilePath("job", "../../etc/passwd")
	if err != nil {
		t.Fatalf("expected sanitized name to resolve, got %v", err)
	}
	if filepath.Dir(path) != filepath.Join(store.Root(), "job") {
		t.Fatalf("expected path inside job dir, got %s", path)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"report.docx":         "report.docx",
		"../../etc/passwd":    "passwd",
		`C:\Users\me\cv.docx`: "cv.docx",
		"my notes (final).md": "my_notes__final_.md",
		"   ":                 "document",
		".hidden.md":          "hidden.md",
		"résumé.md":           "r_sum_.md",
		"dir/":                "document",
	}
	for in, want := range cases {
		if got := sanitizeFileName(in); got != want {
			t.Fatalf("sanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUploadNameAvoidsManifestFiles(t *testing.T) {
	cases := map[string]string{
		"notes.md":      "notes.md",
		"meta.json":     "meta_upload.json",
		"meta.json.tmp": "meta.json_upload.tmp",
		"meta.json.md":  "meta.json.md",
	}
	for in, want := range cases {
		if got := UploadName(in); got != want {
			t.Fatalf("UploadName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSweepTriggeredDuringSweepRunsAgain(t *testing.T) {
	store := newTestJobStore(t, time.Hour, 1)
	a := makeJobDir(t, store, "a", 3*time.Minute)
	b := makeJobDir(t, store, "b", 2*time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.removeAll = func(path string) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return os.RemoveAll(path)
	}

	done := make(chan SweepStats, 1)
	go func() { done <- store.Sweep() }()
	<-entered

	// a conversion finishes while the first pass is deleting
	c := makeJobDir(t, store, "c", 0)
	if stats := store.Sweep(); stats != (SweepStats{}) {
		t.Fatalf("expected the overlapping sweep to return at once, got %+v", stats)
	}
	close(release)
	stats := <-done

	if exists(a) || exists(b) {
		t.Fatalf("expected a and b evicted")
	}
	if !exists(c) {
		t.Fatalf("expected the newest job kept")
	}
	if stats.Evicted != 2 || stats.Kept != 1 {
		t.Fatalf("expected 2 evictions over both passes, got %+v", stats)
	}
}
