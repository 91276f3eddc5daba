package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// ConversionMode is the third argument of the conversion script.
type ConversionMode string

const (
	ModeToMarkdown ConversionMode = "to-md"
	ModeToDocx     ConversionMode = "to-docx"
	ModeToPDF      ConversionMode = "to-pdf"
	ModeToHTML     ConversionMode = "to-html"
	ModeToPPTX     ConversionMode = "to-pptx"
)

const maxErrorDetail = 300

// Executor runs one external process; *ProcessPool is the production
// implementation.
type Executor interface {
	Execute(command string, args []string, opts ExecOptions) (ExecResult, error)
}

// ConversionScript invokes the external conversion script as
//
//	script <inputPath> <sourcePath> <mode> [outputOverride]
//
// through an Executor.
type ConversionScript struct {
	Interpreter string
	Path        string
	Timeout     time.Duration
	Exec        Executor
}

// StepError is a failed script invocation tagged with its mode.
type StepError struct {
	Mode ConversionMode
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Mode, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Run converts sourcePath according to mode, working inside dir.
func (c *ConversionScript) Run(dir, inputPath, sourcePath string, mode ConversionMode, outputOverride string) (ExecResult, error) {
	command, args := c.argv(inputPath, sourcePath, mode, outputOverride)
	res, err := c.Exec.Execute(command, args, ExecOptions{Dir: dir, Timeout: c.Timeout})
	if err != nil {
		return res, &StepError{Mode: mode, Err: err}
	}
	return res, nil
}

func (c *ConversionScript) argv(inputPath, sourcePath string, mode ConversionMode, outputOverride string) (string, []string) {
	script := c.Path
	if abs, err := filepath.Abs(script); err == nil {
		script = abs
	}
	args := []string{inputPath, sourcePath, string(mode)}
	if outputOverride != "" {
		args = append(args, outputOverride)
	}
	if c.Interpreter == "" {
		return script, args
	}
	return c.Interpreter, append([]string{script}, args...)
}

// conversionErrorDetail returns the first non-empty stderr line of a failed
// invocation, truncated, or "" when there is nothing useful to show.
func conversionErrorDetail(err error) string {
	var perr *ProcessError
	if !errors.As(err, &perr) {
		return ""
	}
	if perr.TimedOut {
		return "conversion timed out"
	}
	for _, line := range strings.Split(perr.Stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxErrorDetail {
			cut := maxErrorDetail
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			line = line[:cut] + "..."
		}
		return line
	}
	return ""
}
