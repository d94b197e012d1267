package upload_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/webwebb56/mdqc-agent/ledger"
	"github.com/webwebb56/mdqc-agent/payload"
	"github.com/webwebb56/mdqc-agent/spool"
	"github.com/webwebb56/mdqc-agent/upload"
)

func newTestLedger(t *testing.T) (*ledger.Ledger, func()) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "failed.json"), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go led.Run(ctx)
	return led, cancel
}

func testEnvelope(id string) payload.Envelope {
	return payload.Envelope{
		SchemaVersion: payload.SchemaVersion,
		PayloadID:     id,
		AgentID:       "agent-1",
		Timestamp:     time.Unix(0, 0).UTC(),
		Run:           payload.Run{Filename: "ssc0_2024-01-01.raw", ContentHash: "abc123"},
	}
}

func TestDrainUploadsAndCompletesOnSuccess(t *testing.T) {
	var gotPayloadID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			PayloadID string `json:"payload_id"`
		}
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotPayloadID = body.PayloadID
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	root := t.TempDir()
	sp, err := spool.Open(root, spool.Options{})
	if err != nil {
		t.Fatal(err)
	}
	env := testEnvelope("11111111-1111-1111-1111-111111111111")
	name, err := sp.Write(env)
	if err != nil {
		t.Fatal(err)
	}

	led, cancel := newTestLedger(t)
	defer cancel()

	u, err := upload.New(sp, led, upload.Config{Endpoint: srv.URL, AttemptTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	if err := u.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "completed", name)); err != nil {
		t.Fatalf("expected envelope moved to completed/: %v", err)
	}
	if gotPayloadID != env.PayloadID {
		t.Errorf("got payload_id %q posted, want %q", gotPayloadID, env.PayloadID)
	}
}

func TestDrainDemotesNonRetriableFailureImmediately(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	root := t.TempDir()
	sp, err := spool.Open(root, spool.Options{})
	if err != nil {
		t.Fatal(err)
	}
	env := testEnvelope("22222222-2222-2222-2222-222222222222")
	name, err := sp.Write(env)
	if err != nil {
		t.Fatal(err)
	}

	led, cancel := newTestLedger(t)
	defer cancel()

	u, err := upload.New(sp, led, upload.Config{Endpoint: srv.URL, AttemptTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	if err := u.Drain(context.Background()); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "failed", name)); err != nil {
		t.Fatalf("expected envelope demoted to failed/: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("got %d attempts against a 400 response, want exactly 1 (non-retriable)", got)
	}

	ctx, ledCancel := context.WithTimeout(context.Background(), time.Second)
	defer ledCancel()
	entries, err := led.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path != name {
		t.Fatalf("got ledger entries %v, want one entry for %q", entries, name)
	}
	if entries[0].Category != ledger.UploadExhausted {
		t.Errorf("got category %q, want %q", entries[0].Category, ledger.UploadExhausted)
	}
}

func TestDrainNoPendingEnvelopesIsANoop(t *testing.T) {
	root := t.TempDir()
	sp, err := spool.Open(root, spool.Options{})
	if err != nil {
		t.Fatal(err)
	}
	led, cancel := newTestLedger(t)
	defer cancel()

	u, err := upload.New(sp, led, upload.Config{Endpoint: "http://example.invalid"})
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Drain(context.Background()); err != nil {
		t.Fatalf("Drain on an empty pending/ returned error: %v", err)
	}
}

func TestFileCertLocatorMissingThumbprintErrors(t *testing.T) {
	locator := upload.FileCertLocator{Dir: t.TempDir()}
	if _, err := locator.ClientCertificate(""); err == nil {
		t.Fatal("expected an error for an empty thumbprint")
	}
}

func TestFileCertLocatorMissingFilesErrors(t *testing.T) {
	locator := upload.FileCertLocator{Dir: t.TempDir()}
	if _, err := locator.ClientCertificate("deadbeef"); err == nil {
		t.Fatal("expected an error when the cert/key pair does not exist")
	}
}
