package main

import "sync"

// markdownFuture holds the markdown source derived from a docx upload. All
// targets of a job that need markdown wait on the same future, so the
// derivation runs at most once per job.
type markdownFuture struct {
	once sync.Once
	path string
	log  StepLog
	ran  bool
	err  error
}

func (f *markdownFuture) resolve(derive func() (string, StepLog, error)) (string, error) {
	f.once.Do(func() {
		f.path, f.log, f.err = derive()
		f.ran = true
	})
	return f.path, f.err
}

// intermediates maps job ids to their markdown futures for the lifetime of
// the conversion.
type intermediates struct {
	mu sync.Mutex
	m  map[string]*markdownFuture
}

func newIntermediates() *intermediates {
	return &intermediates{m: make(map[string]*markdownFuture)}
}

func (r *intermediates) acquire(jobID string) *markdownFuture {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.m[jobID]
	if !ok {
		f = &markdownFuture{}
		r.m[jobID] = f
	}
	return f
}

// release forgets the job and returns the derivation log if the derivation
// ran.
func (r *intermediates) release(jobID string) (StepLog, bool) {
	r.mu.Lock()
	f, ok := r.m[jobID]
	delete(r.m, jobID)
	r.mu.Unlock()
	if !ok {
		return StepLog{}, false
	}
	// every resolver has returned by the time release is called
	return f.log, f.ran
}

func (r *intermediates) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}
