// Package spool is the crash-safe on-disk queue between extraction and
// upload. An envelope's state is entirely determined by which of four
// sibling directories contains it; every transition between them is a
// single filesystem rename, so no envelope is ever observable
// partially-written or mid-move.
package spool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"

	"github.com/webwebb56/mdqc-agent/payload"
)

// Directory names exposed so callers (e.g. upload.Uploader) can pass them
// to Read without the Spool needing a getter per directory.
const (
	DirPending   = "pending"
	DirUploading = "uploading"
	DirFailed    = "failed"
	DirCompleted = "completed"

	dirPending   = DirPending
	dirUploading = DirUploading
	dirFailed    = DirFailed
	dirCompleted = DirCompleted
)

// Options tunes the Spool's on-disk limits.
type Options struct {
	// MaxPendingMB caps the total size of pending/. EnforceLimits demotes
	// the oldest entries to failed/ when it is exceeded; Write does not
	// check it. Default: 500.
	MaxPendingMB int64
	// CompletedRetentionCount caps how many envelopes completed/ keeps.
	// Default: 20.
	CompletedRetentionCount int
	Logger                  *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxPendingMB <= 0 {
		o.MaxPendingMB = 500
	}
	if o.CompletedRetentionCount <= 0 {
		o.CompletedRetentionCount = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Spool manages the four-directory envelope layout rooted at root.
type Spool struct {
	root string
	opts Options
}

// Open creates the spool directory layout if absent and recovers any
// envelope left in uploading/ back to pending/ — an in-flight attempt
// interrupted by a crash is treated as not-yet-attempted; the envelope's
// idempotency key prevents the server from double-counting it.
func Open(root string, opts Options) (*Spool, error) {
	opts.defaults()
	s := &Spool{root: root, opts: opts}

	for _, d := range []string{dirPending, dirUploading, dirFailed, dirCompleted} {
		if err := os.MkdirAll(s.dir(d), 0o755); err != nil {
			return nil, fmt.Errorf("spool: mkdir %s: %w", d, err)
		}
	}

	if err := s.recoverUploading(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Spool) dir(name string) string { return filepath.Join(s.root, name) }

func (s *Spool) recoverUploading() error {
	entries, err := os.ReadDir(s.dir(dirUploading))
	if err != nil {
		return fmt.Errorf("spool: read uploading: %w", err)
	}
	for _, e := range entries {
		src := filepath.Join(s.dir(dirUploading), e.Name())
		dst := filepath.Join(s.dir(dirPending), e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("spool: recover %s: %w", e.Name(), err)
		}
		s.opts.Logger.Info("spool: recovered in-flight envelope to pending", "file", e.Name())
	}
	return nil
}

// Write atomically creates a new envelope in pending/ and returns its
// filename (the envelope's payload_id plus a .json suffix).
func (s *Spool) Write(env payload.Envelope) (string, error) {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("spool: marshal envelope: %w", err)
	}
	name := env.PayloadID + ".json"
	path := filepath.Join(s.dir(dirPending), name)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("spool: write envelope: %w", err)
	}
	return name, nil
}

// Pending lists envelope filenames in pending/, ordered oldest-first by
// modification time (FIFO upload order).
func (s *Spool) Pending() ([]string, error) {
	return s.listByMTime(dirPending)
}

// Uploading lists envelope filenames currently in uploading/.
func (s *Spool) Uploading() ([]string, error) {
	return s.listByMTime(dirUploading)
}

// Failed lists envelope filenames demoted to failed/.
func (s *Spool) Failed() ([]string, error) {
	return s.listByMTime(dirFailed)
}

// Completed lists envelope filenames retained in completed/.
func (s *Spool) Completed() ([]string, error) {
	return s.listByMTime(dirCompleted)
}

func (s *Spool) listByMTime(dir string) ([]string, error) {
	entries, err := os.ReadDir(s.dir(dir))
	if err != nil {
		return nil, fmt.Errorf("spool: read %s: %w", dir, err)
	}
	type fileInfo struct {
		name  string
		mtime time.Time
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: e.Name(), mtime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// Read loads and decodes the envelope named name from dir.
func (s *Spool) Read(dir, name string) (payload.Envelope, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(dir), name))
	if err != nil {
		return payload.Envelope{}, err
	}
	var env payload.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return payload.Envelope{}, fmt.Errorf("spool: decode %s: %w", name, err)
	}
	return env, nil
}

// ToUploading moves name from pending/ to uploading/.
func (s *Spool) ToUploading(name string) error {
	return s.move(dirPending, dirUploading, name)
}

// ToPending moves name from uploading/ back to pending/. The Uploader calls
// it when cancellation interrupts an upload; crash recovery in Open renames
// directly.
func (s *Spool) ToPending(name string) error {
	return s.move(dirUploading, dirPending, name)
}

// ToCompleted moves name from uploading/ to completed/ and enforces the
// completed-retention cap by deleting the oldest excess entries.
func (s *Spool) ToCompleted(name string) error {
	if err := s.move(dirUploading, dirCompleted, name); err != nil {
		return err
	}
	return s.trimCompleted()
}

// ToFailed moves name from either pending/ or uploading/ to failed/.
func (s *Spool) ToFailed(name string) error {
	if _, err := os.Stat(filepath.Join(s.dir(dirUploading), name)); err == nil {
		return s.move(dirUploading, dirFailed, name)
	}
	return s.move(dirPending, dirFailed, name)
}

func (s *Spool) move(from, to, name string) error {
	src := filepath.Join(s.dir(from), name)
	dst := filepath.Join(s.dir(to), name)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("spool: move %s %s->%s: %w", name, from, to, err)
	}
	return nil
}

func (s *Spool) trimCompleted() error {
	names, err := s.listByMTime(dirCompleted)
	if err != nil {
		return err
	}
	if len(names) <= s.opts.CompletedRetentionCount {
		return nil
	}
	excess := len(names) - s.opts.CompletedRetentionCount
	for _, name := range names[:excess] {
		if err := os.Remove(filepath.Join(s.dir(dirCompleted), name)); err != nil {
			s.opts.Logger.Warn("spool: failed to trim completed entry", "file", name, "error", err)
		}
	}
	return nil
}

// EnforceLimits demotes the oldest pending envelopes to failed/ until the
// pending/ directory's total size is back under MaxPendingMB. It returns
// the filenames demoted, so the caller can record them in the Failed
// Ledger.
func (s *Spool) EnforceLimits() ([]string, error) {
	entries, err := os.ReadDir(s.dir(dirPending))
	if err != nil {
		return nil, fmt.Errorf("spool: read pending: %w", err)
	}

	var total int64
	sizes := make(map[string]int64, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		sizes[e.Name()] = info.Size()
		total += info.Size()
	}

	capBytes := s.opts.MaxPendingMB * 1024 * 1024
	if total <= capBytes {
		return nil, nil
	}

	names, err := s.listByMTime(dirPending)
	if err != nil {
		return nil, err
	}

	var demoted []string
	for _, name := range names {
		if total <= capBytes {
			break
		}
		if err := s.ToFailed(name); err != nil {
			s.opts.Logger.Warn("spool: failed to demote over-cap envelope", "file", name, "error", err)
			continue
		}
		total -= sizes[name]
		demoted = append(demoted, name)
	}
	return demoted, nil
}
