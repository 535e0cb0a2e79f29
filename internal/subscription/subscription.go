// Package subscription implements the WebSocket fan-out service: a
// session table keyed by connection ID, broker-subscription rewiring on
// every subscribe/unsubscribe, and a heartbeat ticker per session,
// backed by the broker's pub/sub so delivery works across multiple
// service instances.
package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/broker"
)

// Session is one subscriber connection's state. Sessions only ever
// subscribe to per-symbol channels, never price_updates:all, so
// double-delivery is structurally impossible: a session that wants every
// symbol still receives one message per symbol subscription, each on its
// own channel.
type Session struct {
	ID      string
	mu      sync.Mutex
	symbols map[string]broker.Subscription
	Updates chan []byte
}

func newSession() *Session {
	return &Session{
		ID:      uuid.NewString(),
		symbols: make(map[string]broker.Subscription),
		Updates: make(chan []byte, 256),
	}
}

// Subscribed reports the symbols this session currently receives.
func (s *Session) Subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	return out
}

// Manager owns the session table and enforces the connection cap.
type Manager struct {
	broker         broker.Broker
	heartbeat      time.Duration
	maxConnections int
	log            zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a subscription Manager.
func NewManager(b broker.Broker, heartbeat time.Duration, maxConnections int, log zerolog.Logger) *Manager {
	return &Manager{
		broker:         b,
		heartbeat:      heartbeat,
		maxConnections: maxConnections,
		log:            log.With().Str("component", "subscription").Logger(),
		sessions:       make(map[string]*Session),
	}
}

// ErrConnectionCapExceeded is returned by Open once the configured
// ws_max_connections ceiling is reached; callers must close the new
// connection with WebSocket close code 1008 (policy violation).
var ErrConnectionCapExceeded = apierr.New(apierr.CodeForbidden, "connection limit exceeded")

// Open registers a new session, enforcing the connection cap.
func (m *Manager) Open() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConnections > 0 && len(m.sessions) >= m.maxConnections {
		return nil, ErrConnectionCapExceeded
	}

	sess := newSession()
	m.sessions[sess.ID] = sess
	return sess, nil
}

// Count reports the number of currently open sessions, for the
// active-subscription-sessions gauge.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down a session's broker subscriptions and removes it from
// the table.
func (m *Manager) Close(sess *Session) {
	sess.mu.Lock()
	for _, sub := range sess.symbols {
		_ = sub.Close()
	}
	sess.symbols = map[string]broker.Subscription{}
	sess.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	close(sess.Updates)
}

// Subscribe rewires sess's broker subscription set to include symbol,
// starting a forwarding goroutine that copies broker messages onto
// sess.Updates.
func (m *Manager) Subscribe(ctx context.Context, sess *Session, symbol string) error {
	sess.mu.Lock()
	if _, exists := sess.symbols[symbol]; exists {
		sess.mu.Unlock()
		return nil
	}
	sess.mu.Unlock()

	sub, err := m.broker.Subscribe(ctx, broker.PriceUpdateChannel(symbol))
	if err != nil {
		return apierr.Wrap(apierr.CodeCacheError, "subscribe", err)
	}

	sess.mu.Lock()
	sess.symbols[symbol] = sub
	sess.mu.Unlock()

	go m.forward(sess, sub)
	return nil
}

// Unsubscribe tears down sess's broker subscription for symbol, if any.
func (m *Manager) Unsubscribe(sess *Session, symbol string) {
	sess.mu.Lock()
	sub, ok := sess.symbols[symbol]
	if ok {
		delete(sess.symbols, symbol)
	}
	sess.mu.Unlock()

	if ok {
		_ = sub.Close()
	}
}

func (m *Manager) forward(sess *Session, sub broker.Subscription) {
	for msg := range sub.Channel() {
		select {
		case sess.Updates <- msg.Payload:
		default:
			m.log.Warn().Str("session", sess.ID).Msg("session update channel full, dropping message")
		}
	}
}

// heartbeatFrame is the periodic keep-alive sent to every open session.
// Its Type is "pong", matching the server's unsolicited-heartbeat
// protocol: a client never needs to ping to receive one.
type heartbeatFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// RunHeartbeat sends a heartbeat frame to sess every m.heartbeat until
// ctx is cancelled.
func (m *Manager) RunHeartbeat(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := json.Marshal(heartbeatFrame{Type: "pong", Timestamp: time.Now().UTC()})
			if err != nil {
				continue
			}
			select {
			case sess.Updates <- frame:
			default:
			}
		}
	}
}
