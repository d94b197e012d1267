// Package upload drains the Spool's pending/ directory to the cloud
// ingest endpoint over mutual TLS, retrying transient failures on a
// jittered backoff schedule and demoting exhausted or non-retriable
// envelopes to failed/.
package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/webwebb56/mdqc-agent/ledger"
	"github.com/webwebb56/mdqc-agent/payload"
	"github.com/webwebb56/mdqc-agent/spool"
)

// CertLocator resolves the client certificate to present for mTLS, keyed
// by the configured platform-store thumbprint. The production
// implementation reads the Windows certificate store; this package ships
// a file-based implementation for non-Windows hosts and tests.
type CertLocator interface {
	ClientCertificate(thumbprint string) (tls.Certificate, error)
}

// Config configures the Uploader.
type Config struct {
	Endpoint             string
	CertificateThumbprint string
	CertLocator          CertLocator
	// AttemptTimeout bounds one HTTP POST. Default: 60s.
	AttemptTimeout time.Duration
	// PollInterval is how often Run checks pending/ when it is empty.
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// retryableError marks an error as eligible for the backoff schedule vs.
// one that should send the envelope straight to failed/.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// Uploader drains sp's pending/ directory, one envelope at a time.
type Uploader struct {
	spool  *spool.Spool
	ledger *ledger.Ledger
	client *http.Client
	cfg    Config
}

// New builds an Uploader. If cfg.CertLocator is set, the HTTP client is
// configured for mutual TLS using the certificate named by
// CertificateThumbprint.
func New(sp *spool.Spool, led *ledger.Ledger, cfg Config) (*Uploader, error) {
	cfg.defaults()

	tlsConfig := &tls.Config{}
	if cfg.CertLocator != nil {
		tlsConfig.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			cert, err := cfg.CertLocator.ClientCertificate(cfg.CertificateThumbprint)
			if err != nil {
				return nil, fmt.Errorf("upload: resolve client certificate: %w", err)
			}
			return &cert, nil
		}
	}

	client := &http.Client{
		Timeout: cfg.AttemptTimeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}

	return &Uploader{spool: sp, ledger: led, client: client, cfg: cfg}, nil
}

// Run drains pending/ in FIFO order until ctx is cancelled. Exactly one
// envelope is in flight (including its own retry sequence) at a time.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := u.Drain(ctx); err != nil {
				u.cfg.Logger.Debug("upload: drain cycle error", "error", err)
			}
		}
	}
}

// Drain attempts to upload the single oldest pending envelope, if any. It
// is exported so callers (and tests) can drive one upload cycle without
// waiting on Run's poll ticker.
func (u *Uploader) Drain(ctx context.Context) error {
	names, err := u.spool.Pending()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	return u.attempt(ctx, names[0])
}

// attempt runs the full retry sequence for one envelope: up to five total
// POST attempts (the first immediate, then 30s/2m/10m/1h ±⅓ jitter),
// ending in completed/ on success, back in pending/ if ctx is cancelled
// first, or failed/ otherwise. The envelope stays in uploading/ between
// retries.
func (u *Uploader) attempt(ctx context.Context, name string) error {
	if err := u.spool.ToUploading(name); err != nil {
		return err
	}

	env, err := u.spool.Read(spool.DirUploading, name)
	if err != nil {
		return u.demote(ctx, name, "extraction-error", fmt.Sprintf("corrupt envelope: %v", err))
	}

	sched := newJitteredSchedule()
	bo := backoff.WithContext(backoff.WithMaxRetries(sched, 4), ctx)

	var nonRetriable *Error
	op := func() error {
		err := u.post(ctx, env)
		if err == nil {
			return nil
		}
		var e *Error
		if asError(err, &e) && !e.Retriable {
			nonRetriable = e
			return backoff.Permanent(err)
		}
		u.cfg.Logger.Warn("upload: attempt failed, will retry", "payload_id", env.PayloadID, "error", err)
		return err
	}

	err = backoff.Retry(op, bo)
	if err == nil {
		return u.spool.ToCompleted(name)
	}

	if nonRetriable != nil {
		return u.demote(ctx, name, "upload-exhausted", nonRetriable.Error())
	}
	if ctx.Err() != nil {
		// Cancellation cut the sequence short: the envelope goes back to
		// pending/ with its payload_id unchanged.
		return u.spool.ToPending(name)
	}
	return u.demote(ctx, name, "upload-exhausted", fmt.Sprintf("transient failures exhausted: %v", err))
}

func (u *Uploader) demote(ctx context.Context, name, category, message string) error {
	if err := u.spool.ToFailed(name); err != nil {
		return err
	}
	if u.ledger == nil {
		return nil
	}
	return u.ledger.Append(ctx, ledger.Entry{
		Path:        name,
		Category:    ledger.Category(category),
		Message:     message,
		LastFailure: time.Now(),
	})
}

// Error classifies a failed upload attempt.
type Error struct {
	StatusCode int
	Retriable  bool
	msg        string
}

func (e *Error) Error() string { return e.msg }

func asError(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}

// post performs one POST attempt and classifies the result. Network
// errors and 5xx/408/429 responses are retriable; other 4xx responses are
// not.
func (u *Uploader) post(ctx context.Context, env payload.Envelope) error {
	body, err := json.Marshal(env.ToOutgoing())
	if err != nil {
		return &Error{Retriable: false, msg: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &Error{Retriable: false, msg: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return &Error{Retriable: true, msg: fmt.Sprintf("network error: %v", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
		return &Error{StatusCode: resp.StatusCode, Retriable: true, msg: fmt.Sprintf("transient upload failure: status %d", resp.StatusCode)}
	default:
		return &Error{StatusCode: resp.StatusCode, Retriable: false, msg: fmt.Sprintf("non-retriable upload failure: status %d", resp.StatusCode)}
	}
}

// jitteredSchedule implements backoff.BackOff with the fixed interval
// sequence spec.md names (30s, 2m, 10m, 1h), each independently jittered
// by ±one third, rather than a geometric progression.
type jitteredSchedule struct {
	intervals []time.Duration
	idx       int
	rnd       *rand.Rand
}

func newJitteredSchedule() *jitteredSchedule {
	return &jitteredSchedule{
		intervals: []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour},
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *jitteredSchedule) NextBackOff() time.Duration {
	if s.idx >= len(s.intervals) {
		return backoff.Stop
	}
	base := s.intervals[s.idx]
	s.idx++
	// ±1/3 jitter: factor uniformly drawn from [2/3, 4/3].
	factor := 2.0/3.0 + s.rnd.Float64()*(2.0/3.0)
	return time.Duration(float64(base) * factor)
}

func (s *jitteredSchedule) Reset() { s.idx = 0 }
