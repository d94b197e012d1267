// Package agentcli implements the six user-facing operations spec.md's
// external-interfaces table names (health-check, classify, status,
// failed-list/failed-retry/failed-clear) as thin wrappers over the wired
// pipeline components. cmd/mdqc-agent is a flag-based dispatcher over
// this package; it carries no pipeline logic of its own.
package agentcli

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/webwebb56/mdqc-agent/artifact"
	"github.com/webwebb56/mdqc-agent/classify"
	"github.com/webwebb56/mdqc-agent/extract"
	"github.com/webwebb56/mdqc-agent/finalize"
	"github.com/webwebb56/mdqc-agent/ledger"
	"github.com/webwebb56/mdqc-agent/processed"
	"github.com/webwebb56/mdqc-agent/spool"
	"github.com/webwebb56/mdqc-agent/upload"
	"github.com/webwebb56/mdqc-agent/watcher"
)

// InstrumentBinding is the subset of a configured instrument agentcli
// needs: where it watches and what vendor/template apply there.
type InstrumentBinding struct {
	ID        string
	Vendor    artifact.Vendor
	Kind      artifact.Kind
	WatchPath string
	Template  string
}

// Config wires a Service to the already-constructed pipeline components.
type Config struct {
	Orchestrator *extract.Orchestrator
	TemplateDir  string
	Instruments  []InstrumentBinding

	CertLocator    upload.CertLocator
	CertThumbprint string

	CloudEndpoint string
	HTTPClient    *http.Client

	Spool     *spool.Spool
	Ledger    *ledger.Ledger
	Finalize  *finalize.Machine
	Processed *processed.Set
}

// Service implements the six user-facing operations.
type Service struct {
	cfg Config
}

// New builds a Service over the given wiring.
func New(cfg Config) *Service {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Service{cfg: cfg}
}

// HealthReport is HealthCheck's structured result: one field per
// spec.md's health-check bullet.
type HealthReport struct {
	ExtractorFound   bool
	TemplatesOK      map[string]bool
	CertificateFound bool
	WatchPathsOK     map[string]bool
	CloudReachable   bool
}

// HealthCheck validates extractor discovery, per-instrument templates,
// the configured client certificate, every watch path, and cloud
// reachability. Only the cloud probe has a timeout (5s); the extractor,
// template, and watch path checks are plain filesystem stats with no
// timeout of their own.
func (s *Service) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{
		TemplatesOK:  make(map[string]bool, len(s.cfg.Instruments)),
		WatchPathsOK: make(map[string]bool, len(s.cfg.Instruments)),
	}

	if s.cfg.Orchestrator != nil {
		_, err := s.cfg.Orchestrator.Locate()
		report.ExtractorFound = err == nil
	}

	for _, inst := range s.cfg.Instruments {
		report.TemplatesOK[inst.ID] = s.templateExists(inst.Template)
		report.WatchPathsOK[inst.ID] = watchPathExists(inst.WatchPath)
	}

	if s.cfg.CertLocator != nil {
		_, err := s.cfg.CertLocator.ClientCertificate(s.cfg.CertThumbprint)
		report.CertificateFound = err == nil
	}

	report.CloudReachable = s.probeCloud(ctx)

	return report
}

func (s *Service) templateExists(name string) bool {
	if name == "" {
		return false
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.cfg.TemplateDir, name)
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func watchPathExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func (s *Service) probeCloud(ctx context.Context) bool {
	if s.cfg.CloudEndpoint == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.cfg.CloudEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Classify runs the Classifier against path's filename stem and returns
// its output, without touching the pipeline.
func (s *Service) Classify(path string) classify.Result {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return classify.Classify(stem)
}

// StatusReport is Status's result: queue depths plus the in-flight
// Finalization State Machine snapshot.
type StatusReport struct {
	Pending              int
	Uploading            int
	Failed               int
	Completed            int
	ProcessedThisSession int
	InFlight             []finalize.StatusEntry
}

// Status reports queue depths and in-flight artifact state.
func (s *Service) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport

	if s.cfg.Spool != nil {
		if names, err := s.cfg.Spool.Pending(); err == nil {
			report.Pending = len(names)
		}
		if names, err := s.cfg.Spool.Uploading(); err == nil {
			report.Uploading = len(names)
		}
		if names, err := s.cfg.Spool.Failed(); err == nil {
			report.Failed = len(names)
		}
		if names, err := s.cfg.Spool.Completed(); err == nil {
			report.Completed = len(names)
		}
	}
	if s.cfg.Processed != nil {
		report.ProcessedThisSession = s.cfg.Processed.Len()
	}
	if s.cfg.Finalize != nil {
		entries, err := s.cfg.Finalize.Snapshot(ctx)
		if err != nil {
			return report, err
		}
		report.InFlight = entries
	}
	return report, nil
}

// FailedList returns every entry currently in the Failed Ledger.
func (s *Service) FailedList(ctx context.Context) ([]ledger.Entry, error) {
	return s.cfg.Ledger.List(ctx)
}

// FailedClear removes every entry from the Failed Ledger.
func (s *Service) FailedClear(ctx context.Context) error {
	return s.cfg.Ledger.RemoveAll(ctx)
}

// FailedRetry re-enqueues one failed path (or every entry, when path is
// "all") back into the Finalization State Machine as freshly Detected,
// removing it from the Failed Ledger. The vendor, kind, and instrument id
// needed to rebuild a discovery event are recovered by matching the
// entry's path against the configured instrument watch paths, since the
// Failed Ledger itself does not persist them.
func (s *Service) FailedRetry(ctx context.Context, path string) error {
	entries, err := s.cfg.Ledger.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if path != "all" && e.Path != path {
			continue
		}
		if err := s.retryOne(ctx, e.Path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) retryOne(ctx context.Context, path string) error {
	binding, ok := s.matchInstrument(path)
	if !ok {
		return &RetryError{Path: path, Reason: "no configured instrument watches this path"}
	}

	kind := binding.Kind
	if st, err := os.Stat(path); err == nil {
		if st.IsDir() {
			kind = artifact.Directory
		} else {
			kind = artifact.File
		}
	}

	if err := s.cfg.Ledger.RemoveOne(ctx, path); err != nil {
		return err
	}
	return s.cfg.Finalize.Requeue(ctx, watcher.Event{
		Path:         path,
		InstrumentID: binding.ID,
		Vendor:       binding.Vendor,
		Kind:         kind,
		Discovered:   time.Now(),
	})
}

func (s *Service) matchInstrument(path string) (InstrumentBinding, bool) {
	var best InstrumentBinding
	found := false
	for _, inst := range s.cfg.Instruments {
		if inst.WatchPath == "" {
			continue
		}
		if !strings.HasPrefix(path, inst.WatchPath) {
			continue
		}
		if !found || len(inst.WatchPath) > len(best.WatchPath) {
			best = inst
			found = true
		}
	}
	return best, found
}

// RetryError reports that a Failed Ledger entry could not be mapped back
// to a configured instrument for retry.
type RetryError struct {
	Path   string
	Reason string
}

func (e *RetryError) Error() string {
	return "agentcli: cannot retry " + e.Path + ": " + e.Reason
}
