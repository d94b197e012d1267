// Package supervisor wires every pipeline singleton together in
// dependency order at startup. On shutdown every component is stopped at
// once through their shared context (not in reverse order), and the
// supervisor waits a bounded grace period for them to return.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/webwebb56/mdqc-agent/agentcli"
	"github.com/webwebb56/mdqc-agent/artifact"
	"github.com/webwebb56/mdqc-agent/config"
	"github.com/webwebb56/mdqc-agent/extract"
	"github.com/webwebb56/mdqc-agent/finalize"
	"github.com/webwebb56/mdqc-agent/ledger"
	"github.com/webwebb56/mdqc-agent/processed"
	"github.com/webwebb56/mdqc-agent/spool"
	"github.com/webwebb56/mdqc-agent/upload"
	"github.com/webwebb56/mdqc-agent/watcher"
)

// ShutdownGrace bounds how long Supervisor.Run waits, after ctx is
// cancelled, for every component's Run to return.
const ShutdownGrace = 30 * time.Second

// Supervisor owns every pipeline singleton's lifecycle: construction in
// dependency order, wiring the channels between them, and teardown by
// cancelling the context they all share.
type Supervisor struct {
	DataRoot string
	Cfg      *config.Config
	Logger   *slog.Logger

	Processed *processed.Set
	Ledger    *ledger.Ledger
	Spool     *spool.Spool
	Orch      *extract.Orchestrator
	Finalize  *finalize.Machine
	Watcher   *watcher.Watcher
	Uploader  *upload.Uploader
	AgentCLI  *agentcli.Service
}

// New constructs every singleton in the order
// config -> processed -> ledger -> spool -> extract.Orchestrator ->
// finalize.Machine -> watcher.Watcher -> upload.Uploader, matching the
// order each later component needs the ones before it.
func New(dataRoot string, cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	agentID, err := cfg.ResolveAgentID()
	if err != nil {
		return nil, fmt.Errorf("supervisor: resolve agent id: %w", err)
	}

	proc := processed.New()

	led, err := ledger.Open(filepath.Join(dataRoot, "failed_files.json"), logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open ledger: %w", err)
	}

	sp, err := spool.Open(filepath.Join(dataRoot, "spool"), spool.Options{
		MaxPendingMB:            cfg.Spool.MaxPendingMB,
		CompletedRetentionCount: cfg.Spool.CompletedRetentionCount,
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: open spool: %w", err)
	}

	priority := extract.PriorityBelowNormal
	switch cfg.Skyline.ProcessPriority {
	case string(extract.PriorityNormal):
		priority = extract.PriorityNormal
	case string(extract.PriorityIdle):
		priority = extract.PriorityIdle
	}
	orch := extract.New(extract.Config{
		ExtractorPath: cfg.Skyline.Path,
		TemplateDir:   filepath.Join(dataRoot, "templates"),
		Timeout:       time.Duration(cfg.Skyline.TimeoutSeconds) * time.Second,
		Priority:      priority,
		Logger:        logger,
	})

	instruments := make(map[string]finalize.InstrumentConfig, len(cfg.Instruments))
	bindings := make([]agentcli.InstrumentBinding, 0, len(cfg.Instruments))
	watchList := make([]watcher.Instrument, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		vendor, ok := artifact.ParseVendor(inst.Vendor)
		if !ok {
			return nil, fmt.Errorf("supervisor: instrument %q: unrecognised vendor %q", inst.ID, inst.Vendor)
		}
		kind := artifact.File
		if vendor != artifact.Thermo && vendor != artifact.Sciex {
			kind = artifact.Directory
		}

		instruments[inst.ID] = finalize.InstrumentConfig{
			Extract:         extract.InstrumentConfig{Template: inst.Template},
			TargetsExpected: inst.TargetsExpected,
			ReferenceID:     inst.ReferenceID,
		}
		bindings = append(bindings, agentcli.InstrumentBinding{
			ID: inst.ID, Vendor: vendor, Kind: kind, WatchPath: inst.WatchPath, Template: inst.Template,
		})
		watchList = append(watchList, watcher.Instrument{
			ID: inst.ID, Root: inst.WatchPath, Pattern: inst.FilePattern,
			Vendor: vendor, Kind: kind, NetworkMount: inst.NetworkMount,
		})
	}

	agentVersion := "dev"
	fin := finalize.New(finalize.Config{
		StabilityWindow:      time.Duration(cfg.Watcher.StabilityWindowSeconds) * time.Second,
		StabilizationTimeout: time.Duration(cfg.Watcher.StabilizationTimeoutSeconds) * time.Second,
		AgentID:              agentID,
		AgentVersion:         agentVersion,
		Instruments:          instruments,
		Logger:               logger,
	}, orch, sp, led, proc)

	w := watcher.New(watchList, watcher.Options{
		ScanInterval: time.Duration(cfg.Watcher.ScanIntervalSeconds) * time.Second,
		Logger:       logger,
	})

	var certLocator upload.CertLocator
	if cfg.Cloud.CertificateThumbprint != "" {
		certLocator = upload.FileCertLocator{Dir: filepath.Join(dataRoot, "certs")}
	}
	up, err := upload.New(sp, led, upload.Config{
		Endpoint:              cfg.Cloud.Endpoint,
		CertificateThumbprint: cfg.Cloud.CertificateThumbprint,
		CertLocator:           certLocator,
		Logger:                logger,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: build uploader: %w", err)
	}

	cli := agentcli.New(agentcli.Config{
		Orchestrator:   orch,
		TemplateDir:    filepath.Join(dataRoot, "templates"),
		Instruments:    bindings,
		CertLocator:    certLocator,
		CertThumbprint: cfg.Cloud.CertificateThumbprint,
		CloudEndpoint:  cfg.Cloud.Endpoint,
		HTTPClient:     &http.Client{Timeout: 5 * time.Second},
		Spool:          sp,
		Ledger:         led,
		Finalize:       fin,
		Processed:      proc,
	})

	return &Supervisor{
		DataRoot: dataRoot, Cfg: cfg, Logger: logger,
		Processed: proc, Ledger: led, Spool: sp, Orch: orch,
		Finalize: fin, Watcher: w, Uploader: up, AgentCLI: cli,
	}, nil
}

func (s *Supervisor) runComponent(wg *sync.WaitGroup, ctx context.Context, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil {
			s.Logger.Error("supervisor: component exited with error", "component", name, "error", err)
		}
	}()
}

// RunDependencies starts just the actors that agentcli's one-shot
// operations need to answer at all: Ledger.Run (FailedList/FailedClear/
// FailedRetry block on its query channel) and Finalize.Run (Status/
// FailedRetry block on Snapshot/Requeue). Neither accepts new discoveries
// or uploads anything — Watcher and Uploader stay stopped. The returned
// stop func cancels both and waits up to ShutdownGrace for them to
// return; callers should defer it immediately.
func (s *Supervisor) RunDependencies(ctx context.Context) (stop func()) {
	depCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	s.runComponent(&wg, depCtx, "ledger", s.Ledger.Run)
	s.runComponent(&wg, depCtx, "finalize", s.Finalize.Run)

	return func() {
		cancel()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(ShutdownGrace):
			s.Logger.Warn("supervisor: dependency shutdown grace period elapsed with components still running")
		}
	}
}

// Run starts every long-lived component and blocks until ctx is
// cancelled, then waits up to ShutdownGrace for them all to stop. It
// returns once every component has returned or the grace period elapses,
// whichever comes first.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	runComponent := func(name string, fn func(context.Context) error) {
		s.runComponent(&wg, ctx, name, fn)
	}

	runComponent("ledger", s.Ledger.Run)
	runComponent("finalize", s.Finalize.Run)
	runComponent("uploader", s.Uploader.Run)

	forwardCtx, forwardCancel := context.WithCancel(ctx)
	defer forwardCancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev, ok := <-s.Watcher.Events():
				if !ok {
					return
				}
				select {
				case s.Finalize.Discoveries() <- ev:
				case <-forwardCtx.Done():
					return
				}
			case <-forwardCtx.Done():
				return
			}
		}
	}()

	runComponent("watcher", s.Watcher.Run)

	<-ctx.Done()
	s.Logger.Info("supervisor: shutdown signal received, draining")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.Logger.Info("supervisor: all components stopped cleanly")
	case <-time.After(ShutdownGrace):
		s.Logger.Warn("supervisor: shutdown grace period elapsed with components still running")
	}
	return nil
}
