// Package finalize implements the Finalization State Machine: the
// single-owner actor that decides when a discovered artifact is safe to
// extract. One goroutine owns the per-path entry map exclusively; every
// other component reaches it through a channel, the same discipline the
// Failed Ledger uses for its own in-memory state.
package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webwebb56/mdqc-agent/artifact"
	"github.com/webwebb56/mdqc-agent/classify"
	"github.com/webwebb56/mdqc-agent/extract"
	"github.com/webwebb56/mdqc-agent/ledger"
	"github.com/webwebb56/mdqc-agent/payload"
	"github.com/webwebb56/mdqc-agent/processed"
	"github.com/webwebb56/mdqc-agent/report"
	"github.com/webwebb56/mdqc-agent/spool"
	"github.com/webwebb56/mdqc-agent/watcher"
)

// State is one artifact's position in the Detected -> Stabilizing ->
// Ready -> Processing -> Done|Failed lifecycle. Done and Failed are
// terminal and are never stored: the entry is evicted from the map the
// instant either is reached.
type State int

const (
	Detected State = iota
	Stabilizing
	Ready
	Processing
)

func (s State) String() string {
	switch s {
	case Detected:
		return "detected"
	case Stabilizing:
		return "stabilizing"
	case Ready:
		return "ready"
	case Processing:
		return "processing"
	default:
		return "unknown"
	}
}

// InstrumentConfig is the per-instrument configuration the state machine
// needs to hand a ready artifact off to the Orchestrator and Normaliser.
type InstrumentConfig struct {
	Extract         extract.InstrumentConfig
	TargetsExpected int
	// ReferenceID is the baseline run this instrument's QC payloads are
	// compared against server-side. Never used for SSC0 control type.
	ReferenceID string
}

// Config tunes the state machine's timers and identifies the agent in
// outgoing envelopes.
type Config struct {
	// TickInterval is how often every entry is re-evaluated. Default: 5s.
	TickInterval time.Duration
	// StabilityWindow is how long a signature must hold unchanged before
	// an otherwise-complete artifact is promoted to Ready. Default: 60s.
	StabilityWindow time.Duration
	// StabilizationTimeout bounds total time spent Stabilizing before the
	// artifact is given up on. Default: 600s.
	StabilizationTimeout time.Duration

	AgentID      string
	AgentVersion string

	Instruments map[string]InstrumentConfig

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 60 * time.Second
	}
	if c.StabilizationTimeout <= 0 {
		c.StabilizationTimeout = 600 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// StatusEntry is a snapshot of one in-flight artifact, returned by
// Snapshot for the agentcli Status operation.
type StatusEntry struct {
	Path         string
	InstrumentID string
	Vendor       artifact.Vendor
	State        State
	Since        time.Time
}

type entry struct {
	artifact             artifact.Artifact
	state                State
	signature            artifact.Signature
	lastSignatureChange  time.Time
	enteredStabilizingAt time.Time
	stateEnteredAt       time.Time
}

type outcomeMsg struct {
	path     string
	success  bool
	category ledger.Category
	message  string
}

type queryKind int

const (
	queryStatus queryKind = iota
	queryRequeue
)

type queryMsg struct {
	kind  queryKind
	event watcher.Event
	reply chan queryReply
}

type queryReply struct {
	entries []StatusEntry
	err     error
}

// Machine is the Finalization State Machine. Construct with New and start
// with Run; feed discoveries from a watcher.Watcher via Discoveries.
type Machine struct {
	cfg Config

	orchestrator *extract.Orchestrator
	spool        *spool.Spool
	ledger       *ledger.Ledger
	processed    *processed.Set

	entries map[string]*entry

	discoveries chan watcher.Event
	outcomes    chan outcomeMsg
	queries     chan queryMsg
}

// New builds a Machine. Run must be called to start its actor loop.
func New(cfg Config, orch *extract.Orchestrator, sp *spool.Spool, led *ledger.Ledger, proc *processed.Set) *Machine {
	cfg.defaults()
	return &Machine{
		cfg:          cfg,
		orchestrator: orch,
		spool:        sp,
		ledger:       led,
		processed:    proc,
		entries:      make(map[string]*entry),
		discoveries:  make(chan watcher.Event, 64),
		outcomes:     make(chan outcomeMsg, 16),
		queries:      make(chan queryMsg),
	}
}

// Discoveries returns the channel the Machine reads discovery events from.
// Wire a watcher.Watcher's Events() output to it, e.g.:
//
//	go func() {
//	    for ev := range w.Events() {
//	        m.Discoveries() <- ev
//	    }
//	}()
func (m *Machine) Discoveries() chan<- watcher.Event {
	return m.discoveries
}

// Run is the actor loop. It owns the entry map exclusively until ctx is
// cancelled.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.discoveries:
			m.handleDiscovery(ev)
		case oc := <-m.outcomes:
			m.handleOutcome(ctx, oc)
		case q := <-m.queries:
			m.handleQuery(ctx, q)
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Snapshot returns the current state of every in-flight artifact.
func (m *Machine) Snapshot(ctx context.Context) ([]StatusEntry, error) {
	reply := make(chan queryReply, 1)
	select {
	case m.queries <- queryMsg{kind: queryStatus, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.entries, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Requeue reintroduces path as a freshly Detected artifact, as if just
// discovered. Used by agentcli.FailedRetry after removing a path from the
// Failed Ledger.
func (m *Machine) Requeue(ctx context.Context, ev watcher.Event) error {
	reply := make(chan queryReply, 1)
	select {
	case m.queries <- queryMsg{kind: queryRequeue, event: ev, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case r := <-reply:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) handleQuery(ctx context.Context, q queryMsg) {
	switch q.kind {
	case queryStatus:
		out := make([]StatusEntry, 0, len(m.entries))
		for path, e := range m.entries {
			out = append(out, StatusEntry{
				Path:         path,
				InstrumentID: e.artifact.InstrumentID,
				Vendor:       e.artifact.Vendor,
				State:        e.state,
				Since:        e.stateEnteredAt,
			})
		}
		q.reply <- queryReply{entries: out}
	case queryRequeue:
		m.handleDiscovery(q.event)
		q.reply <- queryReply{}
	}
}

func (m *Machine) handleDiscovery(ev watcher.Event) {
	if m.processed.Contains(ev.Path) {
		return
	}
	if _, exists := m.entries[ev.Path]; exists {
		return
	}

	a := artifact.Artifact{
		Path:         ev.Path,
		Vendor:       ev.Vendor,
		Kind:         ev.Kind,
		InstrumentID: ev.InstrumentID,
		Discovered:   ev.Discovered,
	}
	sig, err := artifact.ComputeSignature(a)
	if err != nil {
		m.cfg.Logger.Debug("finalize: could not read initial signature, will retry on next scan", "path", ev.Path, "error", err)
		return
	}
	a.Signature = sig

	now := time.Now()
	m.entries[ev.Path] = &entry{
		artifact:             a,
		state:                Detected,
		signature:            sig,
		lastSignatureChange:  now,
		enteredStabilizingAt: now,
		stateEnteredAt:       now,
	}
}

func (m *Machine) tick(ctx context.Context) {
	now := time.Now()
	for path, e := range m.entries {
		switch e.state {
		case Detected:
			e.state = Stabilizing
			e.enteredStabilizingAt = now
			e.lastSignatureChange = now
			e.stateEnteredAt = now

		case Stabilizing:
			m.tickStabilizing(ctx, path, e, now)

		case Ready:
			if canOpen(e.artifact) {
				e.state = Processing
				e.stateEnteredAt = now
				m.spawnProcessing(ctx, path, e.artifact)
			} else {
				e.state = Stabilizing
				e.lastSignatureChange = now
			}

		case Processing:
			// awaiting outcomeMsg; nothing to do on tick.
		}
	}
}

func (m *Machine) tickStabilizing(ctx context.Context, path string, e *entry, now time.Time) {
	sig, err := artifact.ComputeSignature(e.artifact)
	if err == nil {
		if !sig.Equal(e.signature) {
			e.signature = sig
			e.artifact.Signature = sig
			e.lastSignatureChange = now
		} else if now.Sub(e.lastSignatureChange) >= m.cfg.StabilityWindow {
			if complete, cerr := artifact.Complete(e.artifact); cerr == nil && complete {
				e.state = Ready
				e.stateEnteredAt = now
			}
		}
	} else {
		m.cfg.Logger.Debug("finalize: signature read failed during stabilization", "path", path, "error", err)
	}

	if e.state == Stabilizing && now.Sub(e.enteredStabilizingAt) > m.cfg.StabilizationTimeout {
		m.fail(ctx, path, ledger.StabilizationTimeout, "artifact did not stabilize within the configured timeout")
		delete(m.entries, path)
	}
}

func (m *Machine) handleOutcome(ctx context.Context, oc outcomeMsg) {
	if _, ok := m.entries[oc.path]; !ok {
		return
	}
	if oc.success {
		m.processed.Add(oc.path)
		delete(m.entries, oc.path)
		return
	}
	m.fail(ctx, oc.path, oc.category, oc.message)
	delete(m.entries, oc.path)
}

func (m *Machine) fail(ctx context.Context, path string, category ledger.Category, message string) {
	now := time.Now()
	if err := m.ledger.Append(ctx, ledger.Entry{
		Path:        path,
		Category:    category,
		Message:     message,
		LastFailure: now,
	}); err != nil {
		m.cfg.Logger.Error("finalize: failed to record ledger entry", "path", path, "category", category, "error", err)
	}
}

// canOpen probes the Ready -> Processing transition's "non-sharing read
// open succeeds" check. Directory-kind artifacts have no single file to
// open exclusively; their completeness is already fully established by
// the vendor rule checked on the way into Ready.
func canOpen(a artifact.Artifact) bool {
	if a.Kind == artifact.Directory {
		return true
	}
	f, err := os.Open(a.Path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (m *Machine) spawnProcessing(ctx context.Context, path string, a artifact.Artifact) {
	go func() {
		cls := classify.Classify(stemOf(path))

		if cls.ControlType == classify.Sample {
			m.cfg.Logger.Debug("finalize: skipping extraction for sample run", "path", path)
			m.sendOutcome(ctx, outcomeMsg{path: path, success: true})
			return
		}

		instCfg, ok := m.cfg.Instruments[a.InstrumentID]
		if !ok {
			m.sendOutcome(ctx, outcomeMsg{
				path:     path,
				category: ledger.ClassificationError,
				message:  fmt.Sprintf("no configuration for instrument %q", a.InstrumentID),
			})
			return
		}

		result, err := m.orchestrator.Run(ctx, path, instCfg.Extract)
		if err != nil {
			m.sendOutcome(ctx, outcomeMsg{path: path, category: ledger.ExtractionError, message: err.Error()})
			return
		}

		targets, metrics, err := report.NormaliseFile(result.CSVPath, report.Options{TargetsExpected: instCfg.TargetsExpected})
		if err != nil {
			m.sendOutcome(ctx, outcomeMsg{path: path, category: ledger.ExtractionError, message: err.Error()})
			return
		}

		env, err := m.buildEnvelope(a, cls, result, targets, metrics, instCfg.ReferenceID)
		if err != nil {
			m.sendOutcome(ctx, outcomeMsg{path: path, category: ledger.ExtractionError, message: err.Error()})
			return
		}

		if _, err := m.spool.Write(env); err != nil {
			m.sendOutcome(ctx, outcomeMsg{path: path, category: ledger.ExtractionError, message: err.Error()})
			return
		}

		m.sendOutcome(ctx, outcomeMsg{path: path, success: true})
	}()
}

func (m *Machine) sendOutcome(ctx context.Context, oc outcomeMsg) {
	select {
	case m.outcomes <- oc:
	case <-ctx.Done():
	}
}

func (m *Machine) buildEnvelope(a artifact.Artifact, cls classify.Result, result extract.Result, targets []payload.TargetMetric, metrics payload.RunMetrics, referenceID string) (payload.Envelope, error) {
	hash, err := artifact.ContentHash(a)
	if err != nil {
		return payload.Envelope{}, fmt.Errorf("finalize: content hash: %w", err)
	}

	var baseline payload.BaselineContext
	if cls.ControlType != classify.SSC0 {
		baseline.ReferenceID = referenceID
	}

	return payload.Envelope{
		SchemaVersion: payload.SchemaVersion,
		PayloadID:     uuid.NewString(),
		AgentID:       m.cfg.AgentID,
		AgentVersion:  m.cfg.AgentVersion,
		Timestamp:     time.Now().UTC(),
		Run: payload.Run{
			Filename:     filepath.Base(a.Path),
			ContentHash:  hash,
			InstrumentID: a.InstrumentID,
			ControlType:  string(cls.ControlType),
			Well:         cls.Well,
			Date:         cls.Date,
		},
		Extraction: payload.ExtractionResult{
			RunID:           uuid.NewString(),
			Targets:         targets,
			Metrics:         metrics,
			ExitStatus:      result.ExitCode,
			ElapsedWallTime: result.ElapsedOn,
		},
		BaselineContext: baseline,
	}, nil
}

func stemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
