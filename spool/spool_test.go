package spool_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/webwebb56/mdqc-agent/payload"
	"github.com/webwebb56/mdqc-agent/spool"
)

func TestWriteAndTransition(t *testing.T) {
	root := t.TempDir()
	s, err := spool.Open(root, spool.Options{})
	if err != nil {
		t.Fatal(err)
	}

	env := payload.Envelope{PayloadID: "11111111-1111-1111-1111-111111111111", SchemaVersion: payload.SchemaVersion}
	name, err := s.Write(env)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(root, "pending", name)); err != nil {
		t.Fatalf("expected envelope in pending/: %v", err)
	}

	if err := s.ToUploading(name); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "uploading", name)); err != nil {
		t.Fatalf("expected envelope in uploading/: %v", err)
	}

	if err := s.ToCompleted(name); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "completed", name)); err != nil {
		t.Fatalf("expected envelope in completed/: %v", err)
	}
}

func TestOpenRecoversUploadingToPending(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"pending", "uploading", "failed", "completed"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	stranded := filepath.Join(root, "uploading", "stranded.json")
	if err := os.WriteFile(stranded, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := spool.Open(root, spool.Options{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(stranded); err == nil {
		t.Fatal("expected stranded envelope to be moved out of uploading/")
	}
	if _, err := os.Stat(filepath.Join(root, "pending", "stranded.json")); err != nil {
		t.Fatalf("expected stranded envelope recovered to pending/: %v", err)
	}

	names, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "stranded.json" {
		t.Fatalf("got %v, want [stranded.json]", names)
	}
}

func TestPendingOrderedByMTime(t *testing.T) {
	root := t.TempDir()
	s, err := spool.Open(root, spool.Options{})
	if err != nil {
		t.Fatal(err)
	}

	first, _ := s.Write(payload.Envelope{PayloadID: "a"})
	time.Sleep(5 * time.Millisecond)
	second, _ := s.Write(payload.Envelope{PayloadID: "b"})

	names, err := s.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != first || names[1] != second {
		t.Fatalf("got %v, want [%s %s]", names, first, second)
	}
}

func TestCompletedRetentionTrimsOldest(t *testing.T) {
	root := t.TempDir()
	s, err := spool.Open(root, spool.Options{CompletedRetentionCount: 1})
	if err != nil {
		t.Fatal(err)
	}

	nameA, _ := s.Write(payload.Envelope{PayloadID: "a"})
	_ = s.ToUploading(nameA)
	_ = s.ToCompleted(nameA)

	time.Sleep(5 * time.Millisecond)
	nameB, _ := s.Write(payload.Envelope{PayloadID: "b"})
	_ = s.ToUploading(nameB)
	_ = s.ToCompleted(nameB)

	entries, err := os.ReadDir(filepath.Join(root, "completed"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d completed entries, want 1", len(entries))
	}
	if entries[0].Name() != nameB {
		t.Errorf("got %q retained, want most recent %q", entries[0].Name(), nameB)
	}
}

func TestEnforceLimitsDemotesOldestWhenOverCap(t *testing.T) {
	root := t.TempDir()
	s, err := spool.Open(root, spool.Options{MaxPendingMB: 1})
	if err != nil {
		t.Fatal(err)
	}

	padding := make([]byte, 900*1024)
	for i := range padding {
		padding[i] = 'x'
	}

	oldest, _ := s.Write(payload.Envelope{PayloadID: "a", AgentID: string(padding)})
	time.Sleep(5 * time.Millisecond)
	s.Write(payload.Envelope{PayloadID: "b", AgentID: string(padding)})

	demoted, err := s.EnforceLimits()
	if err != nil {
		t.Fatal(err)
	}
	if len(demoted) == 0 {
		t.Fatal("expected at least one envelope demoted once pending/ exceeds the cap")
	}
	if demoted[0] != oldest {
		t.Errorf("got %q demoted first, want oldest %q", demoted[0], oldest)
	}
}
