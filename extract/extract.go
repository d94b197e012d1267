// Package extract locates and invokes the external extraction tool for one
// finalized artifact, and captures its tabular (CSV) output. It never
// interprets the CSV itself — that is report.Normalise's job — it only
// gets the extractor to produce a file and reports how that went.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// FailureClass is the closed set of ways an extraction can fail.
type FailureClass string

const (
	ExtractorNotFound FailureClass = "extractor-not-found"
	TemplateMissing   FailureClass = "template-missing"
	ReportNotDefined  FailureClass = "report-not-defined"
	Timeout           FailureClass = "timeout"
	NonZeroExit       FailureClass = "nonzero-exit"
)

// Retriable reports whether a failure of this class is worth retrying on
// the artifact's next discovery.
func (c FailureClass) Retriable() bool {
	return c == Timeout
}

// Fatal reports whether a failure of this class should halt processing for
// the affected instrument and alert the operator.
func (c FailureClass) Fatal() bool {
	return c == ExtractorNotFound
}

// Error is the error type Run returns on failure; callers switch on Class
// to decide ledger category and retriability.
type Error struct {
	Class   FailureClass
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction-error: %s: %s", e.Class, e.Message)
}

const outputCaptureCap = 64 * 1024 // internal bound; a runaway extractor cannot exhaust agent memory
const outputExcerptCap = 4 * 1024  // per spec.md: first ~4KiB included in error messages

// Priority is the requested OS scheduling priority for the child process.
type Priority string

const (
	PriorityNormal      Priority = "normal"
	PriorityBelowNormal Priority = "below_normal"
	PriorityIdle        Priority = "idle"
)

// InstrumentConfig is the subset of per-instrument configuration the
// Orchestrator needs to invoke the extractor for one artifact.
type InstrumentConfig struct {
	Template string // absolute path, or a name resolved against TemplateDir
}

// Config configures the Orchestrator.
type Config struct {
	// ExtractorPath is an explicit path, or "auto" to search.
	ExtractorPath string
	TemplateDir   string
	// Timeout bounds the child process wall clock. Default: 300s.
	Timeout time.Duration
	// Priority is the requested OS scheduling priority. Default: below_normal.
	Priority Priority
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.ExtractorPath == "" {
		c.ExtractorPath = "auto"
	}
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.Priority == "" {
		c.Priority = PriorityBelowNormal
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is a completed extraction's output.
type Result struct {
	CSVPath    string
	Stdout     string
	Stderr     string
	ExitCode   int
	ElapsedOn  time.Duration
}

// Orchestrator locates the extractor once and invokes it for each
// artifact. Exactly one extraction runs at a time: the extractor is
// single-threaded and disk-heavy, so callers must not invoke Run
// concurrently — the internal mutex makes that a blocking serialization
// rather than a silent race.
type Orchestrator struct {
	cfg Config
	mu  sync.Mutex

	resolvedPath string
}

// New creates an Orchestrator. The extractor is not located until the
// first Run call (or an explicit call to Locate).
func New(cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{cfg: cfg}
}

// Locate resolves the extractor binary path, trying in order: the
// configured path, the platform registry, well-known filesystem
// locations, then $PATH. The result is cached.
func (o *Orchestrator) Locate() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.locateLocked()
}

func (o *Orchestrator) locateLocked() (string, error) {
	if o.resolvedPath != "" {
		return o.resolvedPath, nil
	}

	if o.cfg.ExtractorPath != "" && o.cfg.ExtractorPath != "auto" {
		if st, err := os.Stat(o.cfg.ExtractorPath); err == nil && !st.IsDir() {
			o.resolvedPath = o.cfg.ExtractorPath
			return o.resolvedPath, nil
		}
	}

	if p, ok := registryExtractorPath(); ok {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			o.resolvedPath = p
			return o.resolvedPath, nil
		}
	}

	for _, p := range wellKnownExtractorPaths() {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			o.resolvedPath = p
			return o.resolvedPath, nil
		}
	}

	if p, err := exec.LookPath(extractorExecutableName()); err == nil {
		o.resolvedPath = p
		return o.resolvedPath, nil
	}

	return "", &Error{Class: ExtractorNotFound, Message: "no extractor found in configured path, registry, well-known locations, or PATH"}
}

// resolveTemplate turns an instrument's configured template name into an
// absolute path.
func (o *Orchestrator) resolveTemplate(name string) (string, error) {
	if name == "" {
		return "", &Error{Class: TemplateMissing, Message: "instrument has no configured template"}
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(o.cfg.TemplateDir, name)
	}
	if _, err := os.Stat(path); err != nil {
		return "", &Error{Class: TemplateMissing, Message: fmt.Sprintf("template %q not found: %v", path, err)}
	}
	return path, nil
}

// Run invokes the extractor for artifactPath under inst's template, and
// returns the path to the CSV report it produced. The returned Result's
// CSVPath is only valid when err is nil. Callers are responsible for
// deciding whether an artifact needs extraction at all — SAMPLE runs are
// never passed here; see finalize.spawnProcessing.
func (o *Orchestrator) Run(ctx context.Context, artifactPath string, inst InstrumentConfig) (Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	extractorPath, err := o.locateLocked()
	if err != nil {
		return Result{}, err
	}

	templatePath, err := o.resolveTemplate(inst.Template)
	if err != nil {
		return Result{}, err
	}

	reportFile, err := os.CreateTemp("", "mdqc-report-*.csv")
	if err != nil {
		return Result{}, fmt.Errorf("extract: create temp report file: %w", err)
	}
	reportPath := reportFile.Name()
	reportFile.Close()
	os.Remove(reportPath) // extractor creates it; we only need a unique name

	args := []string{
		"--in=" + templatePath,
		"--import-file=" + artifactPath,
		"--report-name=MD_QC_Report",
		"--report-file=" + reportPath,
		"--report-format=csv",
		"--report-invariant",
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, extractorPath, args...)
	setProcessGroup(cmd)

	var stdout, stderr boundedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &Error{Class: NonZeroExit, Message: fmt.Sprintf("extractor failed to start: %v", err)}
	}
	applyPriority(cmd.Process.Pid, o.cfg.Priority)
	runErr := cmd.Wait()
	elapsed := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		killProcessGroup(cmd)
		return Result{}, &Error{Class: Timeout, Message: fmt.Sprintf("extractor exceeded %s", o.cfg.Timeout)}
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, &Error{Class: NonZeroExit, Message: fmt.Sprintf("extractor failed to start: %v", runErr)}
		}
	}

	if exitCode != 0 {
		combined := stdout.String() + "\n" + stderr.String()
		if strings.Contains(combined, "report does not exist") {
			return Result{}, &Error{
				Class:   ReportNotDefined,
				Message: "extractor reports the requested report is not defined for this template",
			}
		}
		return Result{}, &Error{
			Class: NonZeroExit,
			Message: fmt.Sprintf("extractor exited %d\nstdout: %s\nstderr: %s",
				exitCode, excerpt(stdout.String()), excerpt(stderr.String())),
		}
	}

	return Result{
		CSVPath:   reportPath,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  exitCode,
		ElapsedOn: elapsed,
	}, nil
}

func excerpt(s string) string {
	if len(s) <= outputExcerptCap {
		return s
	}
	return s[:outputExcerptCap]
}

// boundedBuffer caps total retained bytes so a runaway extractor cannot
// exhaust agent memory; bytes beyond the cap are dropped, not buffered.
type boundedBuffer struct {
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := outputCaptureCap - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
	} else {
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }

func extractorExecutableName() string {
	if runtime.GOOS == "windows" {
		return "SkylineCmd.exe"
	}
	return "skylinecmd"
}
