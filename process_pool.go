package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ExecOptions are passed through to the spawned process.
type ExecOptions struct {
	Dir string
	// Env is appended to the server's own environment.
	Env []string
	// Timeout kills the process once exceeded; zero means no limit.
	Timeout time.Duration
}

// ExecResult is the captured output of a successful invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ProcessError reports a process that ran but exited nonzero (or was killed
// on timeout).
type ProcessError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (e *ProcessError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s timed out", e.Command)
	}
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// PoolMetrics is a point-in-time snapshot of the pool counters.
type PoolMetrics struct {
	Active         int     `json:"active"`
	Queued         int     `json:"queued"`
	MaxConcurrent  int     `json:"maxConcurrent"`
	TotalProcessed int64   `json:"totalProcessed"`
	TotalFailed    int64   `json:"totalFailed"`
	AverageTimeMs  float64 `json:"averageTimeMs"`
	PeakConcurrent int     `json:"peakConcurrent"`
}

type poolTask struct {
	command string
	args    []string
	opts    ExecOptions
	queued  time.Time
	done    chan taskOutcome
}

type taskOutcome struct {
	result ExecResult
	err    error
}

// ProcessPool bounds the number of external processes running at once.
// Excess work waits in a FIFO queue; there is no priority and no way to
// withdraw a submitted task.
type ProcessPool struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	maxConcurrent  int
	active         int
	queue          []*poolTask
	totalProcessed int64
	totalFailed    int64
	averageMs      float64
	peakConcurrent int
}

func NewProcessPool(maxConcurrent int, logger *slog.Logger) *ProcessPool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = discardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessPool{
		logger:        logger.With("component", "process_pool"),
		ctx:           ctx,
		cancel:        cancel,
		maxConcurrent: maxConcurrent,
	}
}

// Execute runs command with args once a slot is free and blocks until the
// process exits. The caller is responsible for validating command and args.
func (p *ProcessPool) Execute(command string, args []string, opts ExecOptions) (ExecResult, error) {
	task := &poolTask{
		command: command,
		args:    append([]string(nil), args...),
		opts:    opts,
		queued:  time.Now(),
		done:    make(chan taskOutcome, 1),
	}

	p.mu.Lock()
	if p.active < p.maxConcurrent {
		p.active++
		if p.active > p.peakConcurrent {
			p.peakConcurrent = p.active
		}
		p.mu.Unlock()
		go p.run(task)
	} else {
		p.queue = append(p.queue, task)
		queued := len(p.queue)
		p.mu.Unlock()
		p.logger.Debug("process queued", "command", command, "queued", queued)
	}

	out := <-task.done
	return out.result, out.err
}

// run executes task and then keeps the slot busy with queued work, so a
// finished process hands its slot to the next task without a scheduling gap.
func (p *ProcessPool) run(task *poolTask) {
	for task != nil {
		result, err := p.spawn(task)

		p.mu.Lock()
		if err != nil {
			p.totalFailed++
		} else {
			p.totalProcessed++
		}
		n := float64(p.totalProcessed + p.totalFailed)
		p.averageMs += (float64(result.Duration.Milliseconds()) - p.averageMs) / n

		var next *poolTask
		if len(p.queue) > 0 {
			next = p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
		} else {
			p.active--
		}
		p.mu.Unlock()

		task.done <- taskOutcome{result: result, err: err}
		task = next
	}
}

func (p *ProcessPool) spawn(task *poolTask) (ExecResult, error) {
	ctx := p.ctx
	if task.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, task.command, task.args...)
	cmd.Dir = task.opts.Dir
	if len(task.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), task.opts.Env...)
	}
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("process start", "command", task.command, "args", task.args, "waited", time.Since(task.queued))
	start := time.Now()
	err := cmd.Run()
	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		p.logger.Debug("process exit", "command", task.command, "duration", result.Duration)
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		perr := &ProcessError{
			Command:  task.command,
			ExitCode: exitErr.ExitCode(),
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
		p.logger.Debug("process failed", "command", task.command, "exitCode", perr.ExitCode, "timedOut", perr.TimedOut)
		return result, perr
	}
	p.logger.Debug("process spawn failed", "command", task.command, "error", err)
	return result, fmt.Errorf("spawn %s: %w", task.command, err)
}

func (p *ProcessPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolMetrics{
		Active:         p.active,
		Queued:         len(p.queue),
		MaxConcurrent:  p.maxConcurrent,
		TotalProcessed: p.totalProcessed,
		TotalFailed:    p.totalFailed,
		AverageTimeMs:  p.averageMs,
		PeakConcurrent: p.peakConcurrent,
	}
}

// Shutdown kills running processes. Tasks still queued fail on spawn.
func (p *ProcessPool) Shutdown() {
	p.cancel()
}
