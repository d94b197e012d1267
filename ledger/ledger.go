// Package ledger persists artifacts that could not be processed, so an
// operator can list, retry, or clear them. Every mutation is a full
// temp-write-then-rename of the backing JSON file; a single goroutine owns
// the in-memory copy and all other components reach it through its
// request channel, the same discipline the Finalization State Machine uses
// for its artifact map.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

// Category is the closed set of reasons an artifact ends up in the ledger.
type Category string

const (
	StabilizationTimeout Category = "stabilization-timeout"
	ExtractionError       Category = "extraction-error"
	ClassificationError   Category = "classification-error"
	UploadExhausted       Category = "upload-exhausted"
)

// Entry is one failed artifact record.
type Entry struct {
	Path         string    `json:"path"`
	Category     Category  `json:"category"`
	Message      string    `json:"message"`
	Excerpt      string    `json:"excerpt,omitempty"`
	FirstFailure time.Time `json:"first_failure"`
	LastFailure  time.Time `json:"last_failure"`
	RetryCount   int       `json:"retry_count"`
}

type opKind int

const (
	opAppend opKind = iota
	opList
	opRemoveOne
	opRemoveAll
)

type request struct {
	kind  opKind
	entry Entry
	path  string
	reply chan response
}

type response struct {
	entries []Entry
	err     error
}

// Ledger is the handle components use to append, list, and remove failed
// entries. All state lives in a single goroutine started by Run.
type Ledger struct {
	path     string
	requests chan request
	logger   *slog.Logger
}

// Open loads path (creating it empty if absent) and returns a Ledger whose
// loop has not yet started — call Run to start it.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("ledger: stat %s: %w", path, err)
		}
		if err := writeEntries(path, nil); err != nil {
			return nil, fmt.Errorf("ledger: initialise %s: %w", path, err)
		}
	}
	return &Ledger{
		path:     path,
		requests: make(chan request),
		logger:   logger,
	}, nil
}

// Run is the actor loop. It owns the in-memory entry slice exclusively and
// blocks until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context) error {
	entries, err := readEntries(l.path)
	if err != nil {
		return fmt.Errorf("ledger: load %s: %w", l.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-l.requests:
			entries = l.handle(entries, req)
		}
	}
}

func (l *Ledger) handle(entries []Entry, req request) []Entry {
	switch req.kind {
	case opAppend:
		updated := false
		for i := range entries {
			if entries[i].Path == req.entry.Path {
				entries[i].LastFailure = req.entry.LastFailure
				entries[i].Message = req.entry.Message
				entries[i].Excerpt = req.entry.Excerpt
				entries[i].Category = req.entry.Category
				entries[i].RetryCount++
				updated = true
				break
			}
		}
		if !updated {
			entries = append(entries, req.entry)
		}
		if err := writeEntries(l.path, entries); err != nil {
			l.logger.Error("ledger: write failed", "error", err)
			req.reply <- response{err: err}
			return entries
		}
		req.reply <- response{}

	case opList:
		out := make([]Entry, len(entries))
		copy(out, entries)
		req.reply <- response{entries: out}

	case opRemoveOne:
		out := entries[:0]
		for _, e := range entries {
			if e.Path != req.path {
				out = append(out, e)
			}
		}
		if err := writeEntries(l.path, out); err != nil {
			l.logger.Error("ledger: write failed", "error", err)
			req.reply <- response{err: err}
			return entries
		}
		entries = out
		req.reply <- response{}

	case opRemoveAll:
		if err := writeEntries(l.path, nil); err != nil {
			l.logger.Error("ledger: write failed", "error", err)
			req.reply <- response{err: err}
			return entries
		}
		entries = nil
		req.reply <- response{}
	}
	return entries
}

// Append records a failure. If path is already present its counters are
// updated in place rather than duplicated.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if e.FirstFailure.IsZero() {
		e.FirstFailure = e.LastFailure
	}
	reply := make(chan response, 1)
	select {
	case l.requests <- request{kind: opAppend, entry: e, reply: reply}:
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

// List returns a snapshot of all current entries.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	reply := make(chan response, 1)
	select {
	case l.requests <- request{kind: opList, reply: reply}:
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

// RemoveOne deletes the entry for path, if present.
func (l *Ledger) RemoveOne(ctx context.Context, path string) error {
	reply := make(chan response, 1)
	select {
	case l.requests <- request{kind: opRemoveOne, path: path, reply: reply}:
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

// RemoveAll clears every entry.
func (l *Ledger) RemoveAll(ctx context.Context) error {
	reply := make(chan response, 1)
	select {
	case l.requests <- request{kind: opRemoveAll, reply: reply}:
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

func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("ledger: decode %s: %w", path, err)
	}
	return entries, nil
}

func writeEntries(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0o644)
}
