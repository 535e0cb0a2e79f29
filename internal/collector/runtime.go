package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/feedmesh/pricefeed/internal/exchange"
)

// State is one of the collector connection's lifecycle states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReading
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReading:
		return "reading"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	reconnectBaseDelay = time.Second
	reconnectCapDelay  = 30 * time.Second
	reconnectJitter    = 0.2
)

// Config is everything a Runtime needs to dial one venue, batch its
// ticks, and forward them to the ingestion endpoint.
type Config struct {
	Symbols              []string
	MaxReconnectAttempts int
	Batcher              BatcherConfig
	FlushCheckInterval   time.Duration
}

// Runtime drives a single exchange connection end to end: dial, read,
// parse, batch, flush, reconnect on failure. One Runtime handles one
// venue; cmd/pricefeed's collect subcommand runs one per configured
// exchange.
type Runtime struct {
	adapter exchange.Adapter
	cfg     Config
	sender  *Sender
	batcher *Batcher
	log     zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewRuntime wires an adapter, sender and batcher into a runnable
// collector instance.
func NewRuntime(adapter exchange.Adapter, cfg Config, sender *Sender, log zerolog.Logger) *Runtime {
	if cfg.FlushCheckInterval <= 0 {
		cfg.FlushCheckInterval = 250 * time.Millisecond
	}
	return &Runtime{
		adapter: adapter,
		cfg:     cfg,
		sender:  sender,
		batcher: NewBatcher(cfg.Batcher),
		log:     log.With().Str("exchange", adapter.Name()).Logger(),
		state:   StateDisconnected,
	}
}

// State reports the current connection state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or
// the reconnect attempt ceiling is exceeded, at which point it settles
// into StateFailed and returns.
func (r *Runtime) Run(ctx context.Context) error {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			r.setState(StateDisconnected)
			return ctx.Err()
		default:
		}

		err := r.runOnce(ctx)
		if err == nil {
			r.setState(StateDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			r.setState(StateDisconnected)
			return ctx.Err()
		}

		attempt++
		if r.cfg.MaxReconnectAttempts > 0 && attempt > r.cfg.MaxReconnectAttempts {
			r.setState(StateFailed)
			return fmt.Errorf("%s: exceeded %d reconnect attempts: %w", r.adapter.Name(), r.cfg.MaxReconnectAttempts, err)
		}

		r.setState(StateReconnecting)
		delay := backoff(attempt)
		r.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("collector reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

// backoff computes an exponential delay with +/-20% jitter, capped at
// reconnectCapDelay.
func backoff(attempt int) time.Duration {
	d := reconnectBaseDelay * time.Duration(1<<uint(attempt-1))
	if d > reconnectCapDelay || d <= 0 {
		d = reconnectCapDelay
	}
	jitter := 1 + (rand.Float64()*2-1)*reconnectJitter
	return time.Duration(float64(d) * jitter)
}

// runOnce performs a single dial-read cycle; any error (dial failure,
// subscribe-frame write failure, read failure) ends the cycle and is
// handled by Run's reconnect loop. Adapter parse errors are logged and
// skipped without ending the cycle.
func (r *Runtime) runOnce(ctx context.Context) error {
	r.setState(StateConnecting)

	url := r.adapter.UpstreamURL(r.cfg.Symbols)
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	r.setState(StateOpen)

	if frame, ok := r.adapter.SubscribeFrame(r.cfg.Symbols); ok {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("send subscribe frame: %w", err)
		}
	}

	r.setState(StateReading)

	errCh := make(chan error, 1)
	go r.readLoop(conn, errCh)

	ticker := time.NewTicker(r.cfg.FlushCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			r.flush(ctx)
			return err
		case <-ticker.C:
			if r.batcher.ShouldFlush() {
				r.flush(ctx)
			}
		}
	}
}

func (r *Runtime) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}

		obs, err := r.adapter.Parse(frame)
		if err != nil {
			r.log.Warn().Err(err).Msg("adapter parse error")
			continue
		}
		if obs == nil {
			continue
		}
		r.batcher.Add(*obs)
	}
}

func (r *Runtime) flush(ctx context.Context) {
	items := r.batcher.Flush()
	if len(items) == 0 {
		return
	}

	payload := IngestPayload{WorkerID: r.adapter.Name(), Observations: items}
	if err := r.sender.Send(ctx, payload); err != nil {
		r.log.Error().Err(err).Int("count", len(items)).Msg("ingestion send failed")

		var poisoned *PoisonedBatchError
		if !errors.As(err, &poisoned) {
			r.batcher.Requeue(items)
		}
	}
}
