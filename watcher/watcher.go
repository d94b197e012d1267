// Package watcher produces a lazy sequence of artifact discovery events for
// a set of configured instrument watch directories. Two independent sources
// feed the same channel without deduplication: native OS file-change
// notifications, and a periodic directory scan. Deduplication of repeated
// discoveries is the Finalization State Machine's job, not this package's.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/webwebb56/mdqc-agent/artifact"
)

// Instrument is one configured watch: a root directory, a glob pattern
// identifying artifacts of interest, and the vendor tag attached to every
// event discovered under it.
type Instrument struct {
	ID           string
	Root         string
	Pattern      string
	Vendor       artifact.Vendor
	Kind         artifact.Kind
	NetworkMount bool // scan-only: no fsnotify watch is registered for this root
}

// Event is one discovery: a candidate artifact path tagged with the
// instrument it was found under. The same path may be emitted more than
// once, from either source.
type Event struct {
	Path         string
	InstrumentID string
	Vendor       artifact.Vendor
	Kind         artifact.Kind
	Discovered   time.Time
}

// Options tunes the Watcher.
type Options struct {
	// ScanInterval is the periodic full-directory-scan period. Default: 30s.
	ScanInterval time.Duration
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher merges fsnotify events and periodic scans for a fixed set of
// instruments into a single Events channel.
type Watcher struct {
	instruments []Instrument
	opts        Options

	events chan Event
	fsw    *fsnotify.Watcher

	mu      sync.Mutex
	started bool
}

// New creates a Watcher over the given instruments. Call Run to start it.
func New(instruments []Instrument, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{
		instruments: instruments,
		opts:        opts,
		events:      make(chan Event, 64),
	}
}

// Events returns the channel discovery events are delivered on. It is
// closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Run blocks until ctx is cancelled, watching all configured instruments.
// A missing or inaccessible watch root is logged as a warning and retried
// on the next scan; it is never fatal.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()
	defer close(w.events)

	log := w.opts.Logger

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("watcher: fsnotify unavailable, falling back to scan-only", "error", err)
	} else {
		w.fsw = fsw
		defer fsw.Close()
		for _, inst := range w.instruments {
			if inst.NetworkMount {
				continue
			}
			if err := fsw.Add(inst.Root); err != nil {
				log.Warn("watcher: failed to register fsnotify watch", "instrument", inst.ID, "root", inst.Root, "error", err)
			}
		}
		go w.watchFsnotify(ctx, log)
	}

	ticker := time.NewTicker(w.opts.ScanInterval)
	defer ticker.Stop()

	w.scanAll(log)

	for {
		select {
		case <-ctx.Done():
			log.Info("watcher: stopped")
			return nil
		case <-ticker.C:
			w.scanAll(log)
		}
	}
}

func (w *Watcher) watchFsnotify(ctx context.Context, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFsnotifyEvent(ev, log)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Debug("watcher: fsnotify event source error", "error", err)
		}
	}
}

func (w *Watcher) handleFsnotifyEvent(ev fsnotify.Event, log *slog.Logger) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	base := filepath.Base(ev.Name)
	for _, inst := range w.instruments {
		if inst.NetworkMount {
			continue
		}
		if filepath.Dir(ev.Name) != filepath.Clean(inst.Root) {
			continue
		}
		matched, err := filepath.Match(inst.Pattern, base)
		if err != nil || !matched {
			continue
		}
		w.emit(Event{
			Path:         ev.Name,
			InstrumentID: inst.ID,
			Vendor:       inst.Vendor,
			Kind:         inst.Kind,
			Discovered:   time.Now(),
		}, log)
	}
}

func (w *Watcher) scanAll(log *slog.Logger) {
	for _, inst := range w.instruments {
		w.scanInstrument(inst, log)
	}
}

func (w *Watcher) scanInstrument(inst Instrument, log *slog.Logger) {
	entries, err := os.ReadDir(inst.Root)
	if err != nil {
		log.Warn("watcher: scan failed", "instrument", inst.ID, "root", inst.Root, "error", err)
		return
	}
	for _, e := range entries {
		matched, err := filepath.Match(inst.Pattern, e.Name())
		if err != nil || !matched {
			continue
		}
		w.emit(Event{
			Path:         filepath.Join(inst.Root, e.Name()),
			InstrumentID: inst.ID,
			Vendor:       inst.Vendor,
			Kind:         inst.Kind,
			Discovered:   time.Now(),
		}, log)
	}
}

func (w *Watcher) emit(ev Event, log *slog.Logger) {
	select {
	case w.events <- ev:
	default:
		log.Warn("watcher: event channel full, dropping event", "path", ev.Path, "instrument", ev.InstrumentID)
	}
}
