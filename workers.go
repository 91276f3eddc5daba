package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// InputType is the detected kind of an uploaded document.
type InputType string

const (
	InputDocx     InputType = "docx"
	InputMarkdown InputType = "markdown"
	InputHTML     InputType = "html"
)

// Output formats understood by the conversion script.
const (
	FormatDocx = "docx"
	FormatMD   = "md"
	FormatPDF  = "pdf"
	FormatHTML = "html"
	FormatPPTX = "pptx"
)

var allowedTargets = map[InputType][]string{
	InputDocx:     {FormatDocx, FormatMD, FormatPDF, FormatHTML, FormatPPTX},
	InputMarkdown: {FormatDocx, FormatMD, FormatPDF, FormatHTML, FormatPPTX},
	InputHTML:     {FormatDocx, FormatPDF, FormatHTML, FormatPPTX},
}

var passthroughFormat = map[InputType]string{
	InputDocx:     FormatDocx,
	InputMarkdown: FormatMD,
	InputHTML:     FormatHTML,
}

var renderModes = map[string]ConversionMode{
	FormatPDF:  ModeToPDF,
	FormatHTML: ModeToHTML,
	FormatPPTX: ModeToPPTX,
}

// detectInputType looks at the extension only; anything unknown is treated
// as markdown.
func detectInputType(fileName string) InputType {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".docx":
		return InputDocx
	case ".html", ".htm":
		return InputHTML
	default:
		return InputMarkdown
	}
}

// filterFormats normalizes the requested formats and keeps those allowed for
// the input type, in request order, without duplicates.
func filterFormats(t InputType, requested []string) []string {
	allowed := allowedTargets[t]
	seen := make(map[string]bool, len(requested))
	var out []string
	for _, f := range requested {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "markdown" {
			f = FormatMD
		}
		if seen[f] || !slices.Contains(allowed, f) {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// conversionJob is the working state of one non-cached conversion.
type conversionJob struct {
	ID        string
	Dir       string
	InputPath string
	Type      InputType
}

func (j conversionJob) inputName() string { return filepath.Base(j.InputPath) }

func (j conversionJob) base() string {
	name := j.inputName()
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// outputPath names the artifact for ext, stepping aside if it would collide
// with the uploaded file.
func (j conversionJob) outputPath(ext string) string {
	name := j.base() + "." + ext
	if name == j.inputName() {
		name = j.base() + "-converted." + ext
	}
	return filepath.Join(j.Dir, name)
}

// Orchestrator maps a requested format set onto the smallest chain of
// conversion script invocations.
type Orchestrator struct {
	script  *ConversionScript
	futures *intermediates
	logger  *slog.Logger
}

func NewOrchestrator(script *ConversionScript, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = discardLogger()
	}
	return &Orchestrator{
		script:  script,
		futures: newIntermediates(),
		logger:  logger.With("component", "orchestrator"),
	}
}

type targetResult struct {
	output *OutputFile
	log    *StepLog
	err    error
}

// Convert produces every format in formats for job. Targets run
// concurrently; the process pool bounds how many invocations actually run.
// Outputs follow the order of formats; logs list the markdown derivation
// first, then the remaining invocations in the same order.
func (o *Orchestrator) Convert(job conversionJob, formats []string) ([]OutputFile, []StepLog, error) {
	future := o.futures.acquire(job.ID)
	results := make([]targetResult, len(formats))

	var wg sync.WaitGroup
	for i, format := range formats {
		wg.Add(1)
		go func(i int, format string) {
			defer wg.Done()
			results[i] = o.resolveTarget(job, format, future)
		}(i, format)
	}
	wg.Wait()
	derivation, derived := o.futures.release(job.ID)

	var logs []StepLog
	if derived {
		logs = append(logs, derivation)
	}
	outputs := make([]OutputFile, 0, len(formats))
	for i, res := range results {
		if res.err != nil {
			o.logger.Error("conversion step failed", "jobId", job.ID, "format", formats[i], "error", res.err)
			return nil, nil, conversionFailure(res.err)
		}
		if res.log != nil {
			logs = append(logs, *res.log)
		}
		if res.output != nil {
			outputs = append(outputs, *res.output)
		}
	}
	if len(outputs) == 0 {
		return nil, nil, newAPIError(KindConversionFailed, "conversion produced no output files").
			withSuggestion("Check that the document is valid and try again.")
	}
	return outputs, logs, nil
}

func (o *Orchestrator) resolveTarget(job conversionJob, format string, future *markdownFuture) targetResult {
	switch {
	case format == passthroughFormat[job.Type]:
		out, err := describeOutput(job, job.InputPath, format)
		return targetResult{output: out, err: err}

	case format == FormatMD:
		path, err := o.markdownSource(job, future)
		if err != nil {
			return targetResult{err: err}
		}
		out, err := describeOutput(job, path, format)
		return targetResult{output: out, err: err}

	case format == FormatDocx:
		// the script writes <source>.docx next to its source
		res, err := o.script.Run(job.Dir, job.InputPath, job.InputPath, ModeToDocx, "")
		step := &StepLog{Step: string(ModeToDocx), Stdout: res.Stdout, Stderr: res.Stderr}
		if err != nil {
			return targetResult{log: step, err: err}
		}
		out, err := describeOutput(job, filepath.Join(job.Dir, job.base()+"."+FormatDocx), format)
		return targetResult{output: out, log: step, err: err}
	}

	mode, ok := renderModes[format]
	if !ok {
		return targetResult{err: fmt.Errorf("no conversion route for %s", format)}
	}
	source, err := o.markdownSource(job, future)
	if err != nil {
		return targetResult{err: err}
	}
	target := job.outputPath(format)
	res, err := o.script.Run(job.Dir, job.InputPath, source, mode, target)
	step := &StepLog{Step: string(mode), Stdout: res.Stdout, Stderr: res.Stderr}
	if err != nil {
		return targetResult{log: step, err: err}
	}
	out, err := describeOutput(job, target, format)
	return targetResult{output: out, log: step, err: err}
}

// markdownSource returns the document the renderers read: the upload itself
// unless it is a docx, in which case markdown is derived once per job.
func (o *Orchestrator) markdownSource(job conversionJob, future *markdownFuture) (string, error) {
	if job.Type != InputDocx {
		return job.InputPath, nil
	}
	return future.resolve(func() (string, StepLog, error) {
		mdPath := job.outputPath(FormatMD)
		res, err := o.script.Run(job.Dir, job.InputPath, mdPath, ModeToMarkdown, "")
		step := StepLog{Step: string(ModeToMarkdown), Stdout: res.Stdout, Stderr: res.Stderr}
		if err != nil {
			return "", step, err
		}
		return mdPath, step, nil
	})
}

var errMissingOutput = errors.New("conversion script did not produce the expected file")

func describeOutput(job conversionJob, path, format string) (*OutputFile, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", errMissingOutput, filepath.Base(path))
	}
	name := filepath.Base(path)
	return &OutputFile{
		Format:   format,
		FileName: name,
		Size:     info.Size(),
		URL:      fmt.Sprintf("/api/jobs/%s/files/%s", url.PathEscape(job.ID), url.PathEscape(name)),
	}, nil
}

func conversionFailure(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	message := "conversion failed"
	if detail := conversionErrorDetail(err); detail != "" {
		message = "conversion failed: " + detail
	} else if errors.Is(err, errMissingOutput) {
		message = "conversion failed: " + err.Error()
	}
	apiErr = newAPIError(KindConversionFailed, message).
		withSuggestion("Check that the document is valid and that pandoc is installed.").
		wrap(err)
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		apiErr.withField("step", string(stepErr.Mode))
	}
	return apiErr
}
