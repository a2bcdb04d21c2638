package scanners

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
)

// Human-readable tool statuses shared with the orchestrator.
const (
	StatusNotFound    = "Command not found"
	StatusNoIssues    = "No issues found"
	StatusNotAvail    = "Not available"
	StatusSkipped     = "Skipped (quick scan)"
	StatusNoFiles     = "No files to analyze"
	StatusNoManifest  = "No manifest found"
	StatusCancelled   = "Cancelled"
	StatusNotRecorded = "No status recorded"
	parserErrorPrefix = "Parser error: "
)

// Parser turns a tool's stdout into normalized issues
type Parser func(stdout []byte) ([]schema.Issue, error)

// Command describes one external tool invocation
type Command struct {
	Tool    string
	Name    string
	Args    []string
	Dir     string
	Stdin   []byte
	Timeout time.Duration
	Parse   Parser
}

// Runner executes a single tool invocation. Implementations never return
// errors: every failure is folded into ToolRunResult.Status.
type Runner interface {
	Run(ctx context.Context, cmd Command) schema.ToolRunResult
}

// Observer is notified once per finished invocation
type Observer func(tool, status string, elapsed time.Duration)

// ExecRunner runs tools as child processes
type ExecRunner struct {
	logger     *zap.Logger
	retries    int
	retryDelay time.Duration
	observe    Observer
}

// RunnerOption configures an ExecRunner
type RunnerOption func(*ExecRunner)

// WithRetries sets how many extra attempts a timed-out or unparseable run gets.
func WithRetries(n int, delay time.Duration) RunnerOption {
	return func(r *ExecRunner) {
		if n < 0 {
			n = 0
		}
		r.retries = n
		r.retryDelay = delay
	}
}

// WithObserver registers a callback invoked after every run
func WithObserver(o Observer) RunnerOption {
	return func(r *ExecRunner) { r.observe = o }
}

// NewExecRunner creates a runner that spawns real processes
func NewExecRunner(logger *zap.Logger, opts ...RunnerOption) *ExecRunner {
	r := &ExecRunner{logger: logger, retryDelay: 500 * time.Millisecond}
	for _, o := range opts {
		o(r)
	}
	return r
}

const defaultTimeout = 60 * time.Second

// Run executes cmd, retrying timeouts and parser failures with a doubling delay.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) schema.ToolRunResult {
	if cmd.Timeout <= 0 {
		cmd.Timeout = defaultTimeout
	}
	start := time.Now()
	delay := r.retryDelay

	var res schema.ToolRunResult
	for attempt := 0; attempt <= r.retries; attempt++ {
		var retryable bool
		res, retryable = r.runOnce(ctx, cmd)
		if !retryable || attempt == r.retries {
			break
		}
		r.logger.Debug("retrying tool",
			zap.String("tool", cmd.Tool),
			zap.Int("attempt", attempt+1),
			zap.String("status", res.Status))
		select {
		case <-ctx.Done():
			res.Status = StatusCancelled
			return res
		case <-time.After(delay):
		}
		delay *= 2
	}

	elapsed := time.Since(start)
	r.logger.Info("tool finished",
		zap.String("tool", cmd.Tool),
		zap.String("status", res.Status),
		zap.Int("issues", len(res.Issues)),
		zap.Duration("elapsed", elapsed))
	if r.observe != nil {
		r.observe(cmd.Tool, res.Status, elapsed)
	}
	return res
}

func (r *ExecRunner) runOnce(ctx context.Context, c Command) (res schema.ToolRunResult, retryable bool) {
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = 2 * time.Second
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.RawOutput = joinOutput(stdout.String(), stderr.String())
	res.Issues = []schema.Issue{}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Status = fmt.Sprintf("Timeout after %gs", c.Timeout.Seconds())
		return res, true
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		return res, false
	case commandNotFound(err):
		res.Status = StatusNotFound
		return res, false
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			res.Status = fmt.Sprintf("Error (code %d)", exitErr.ExitCode())
		case err != nil:
			res.Status = "Error: " + err.Error()
		default:
			res.Status = StatusNoIssues
		}
		return res, false
	}

	if c.Parse == nil {
		res.Status = parserErrorPrefix + "no parser registered"
		return res, false
	}
	issues, perr := safeParse(c.Parse, out)
	if perr != nil {
		res.Status = parserErrorPrefix + perr.Error()
		return res, true
	}

	for i := range issues {
		normalizeIssue(&issues[i], c)
	}
	res.Issues = issues
	if len(issues) == 0 {
		res.Status = StatusNoIssues
	} else {
		res.Status = fmt.Sprintf("Found %d issues", len(issues))
	}
	return res, false
}

// safeParse converts a parser panic into an error so one tool cannot take down the run.
func safeParse(p Parser, out []byte) (issues []schema.Issue, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	issues, err = p(out)
	if issues == nil {
		issues = []schema.Issue{}
	}
	return issues, err
}

func commandNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op != "chdir" && errors.Is(err, fs.ErrNotExist) {
		return true
	}
	return false
}

func normalizeIssue(is *schema.Issue, c Command) {
	if is.Tool == "" {
		is.Tool = c.Tool
	}
	is.Severity = schema.NormalizeSeverity(string(is.Severity), schema.SeverityLow)
	is.Confidence = schema.NormalizeConfidence(string(is.Confidence), schema.ConfidenceMedium)
	if is.Filename != "" {
		if filepath.IsAbs(is.Filename) && c.Dir != "" {
			if rel, err := filepath.Rel(c.Dir, is.Filename); err == nil && !strings.HasPrefix(rel, "..") {
				is.Filename = rel
			}
		}
		is.Filename = strings.TrimPrefix(filepath.ToSlash(filepath.Clean(is.Filename)), "./")
	}
	if len(is.LineRange) == 0 && is.LineNumber > 0 {
		is.LineRange = []int{is.LineNumber}
	}
	if is.LineRange == nil {
		is.LineRange = []int{}
	}
	if strings.TrimSpace(is.Code) == "" {
		is.Code = "N/A"
	}
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}

// IsParserError reports whether status came from a failed parse.
func IsParserError(status string) bool {
	return strings.HasPrefix(status, parserErrorPrefix)
}
