package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/feedmesh/pricefeed/internal/domain"
)

// IngestPayload is the wire body posted to the ingestion endpoint: one
// worker's flushed batch.
type IngestPayload struct {
	WorkerID     string               `json:"worker_id"`
	Observations []domain.Observation `json:"feeds"`
}

// SenderConfig configures the retrying HTTP sender.
type SenderConfig struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client

	// RetryDelays is tried in order on a retryable failure; len(RetryDelays)
	// is the number of retries after the first attempt.
	RetryDelays []time.Duration

	// MaxSendsPerSecond paces outbound flush requests so a burst of small
	// batches can't hammer the ingestion endpoint; 0 disables pacing.
	MaxSendsPerSecond float64
}

// Sender posts flushed batches to the ingestion endpoint, wrapped in a
// circuit breaker (failure-rate trip, timed half-open probe) so a down
// ingestion tier fails fast instead of piling up goroutines retrying a
// dead upstream, via github.com/sony/gobreaker rather than a hand-
// rolled equivalent.
type Sender struct {
	cfg     SenderConfig
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	// OnResult is called after each HTTP attempt finishes, for metrics
	// (successes, retries, poisoned/dropped batches).
	OnResult func(status string)
}

// PoisonedBatchError wraps a 4xx ingestion response: the batch is
// malformed and will never succeed on retry, so the caller should drop
// it rather than requeue it.
type PoisonedBatchError struct {
	StatusCode int
	Body       string
}

func (e *PoisonedBatchError) Error() string {
	return fmt.Sprintf("ingestion rejected batch with status %d: %s", e.StatusCode, e.Body)
}

// NewSender builds a Sender with a circuit breaker named after the
// target worker.
func NewSender(cfg SenderConfig, workerID string) *Sender {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}

	settings := gobreaker.Settings{
		Name:        "ingest-sender-" + workerID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}

	var limiter *rate.Limiter
	if cfg.MaxSendsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxSendsPerSecond), 1)
	}

	return &Sender{cfg: cfg, cb: gobreaker.NewCircuitBreaker(settings), limiter: limiter}
}

// Send posts payload, retrying transient (network/5xx) failures up to
// len(RetryDelays) additional times. A 4xx response is returned as a
// PoisonedBatchError immediately, without retry or breaker recording
// beyond the single failed attempt — the caller should drop the batch.
func (s *Sender) Send(ctx context.Context, payload IngestPayload) error {
	var lastErr error

	attempts := append([]time.Duration{0}, s.cfg.RetryDelays...)
	for _, delay := range attempts {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.attempt(ctx, payload)
		if err == nil {
			s.report("ok")
			return nil
		}

		var poisoned *PoisonedBatchError
		if errors.As(err, &poisoned) {
			s.report("poisoned")
			return err
		}

		lastErr = err
		s.report("retry")
	}

	s.report("failed")
	return fmt.Errorf("ingestion send exhausted retries: %w", lastErr)
}

func (s *Sender) attempt(ctx context.Context, payload IngestPayload) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, payload)
	})
	return err
}

func (s *Sender) post(ctx context.Context, payload IngestPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ingest payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ingest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &PoisonedBatchError{StatusCode: resp.StatusCode}
	}
	return fmt.Errorf("ingest request returned status %d", resp.StatusCode)
}

func (s *Sender) report(status string) {
	if s.OnResult != nil {
		s.OnResult(status)
	}
}
