// Package testsupport provides in-memory fakes for the Store and Broker
// collaborators, letting ingestion/query/subscription integration tests
// run without a real Postgres or Redis instance: synchronous in-memory
// delivery, no network, good enough to exercise real call sequences
// end to end.
package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/feedmesh/pricefeed/internal/broker"
	"github.com/feedmesh/pricefeed/internal/domain"
)

// FakeStore is an in-memory store.Store.
type FakeStore struct {
	mu   sync.RWMutex
	rows []domain.Observation

	// PingErr/InsertErr let a test force a failure path.
	PingErr   error
	InsertErr error
}

func NewFakeStore() *FakeStore { return &FakeStore{} }

func (s *FakeStore) InsertBatch(ctx context.Context, obs []domain.Observation) (int, error) {
	if s.InsertErr != nil {
		return 0, s.InsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, obs...)
	return len(obs), nil
}

func (s *FakeStore) Latest(ctx context.Context, symbol string) (*domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.Observation
	for i := range s.rows {
		r := s.rows[i]
		if r.Symbol != symbol {
			continue
		}
		if best == nil || r.Timestamp.After(best.Timestamp) {
			cp := r
			best = &cp
		}
	}
	return best, nil
}

func (s *FakeStore) LatestMany(ctx context.Context, symbols []string) (map[string]domain.Observation, error) {
	out := make(map[string]domain.Observation, len(symbols))
	for _, sym := range symbols {
		o, err := s.Latest(ctx, sym)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out[sym] = *o
		}
	}
	return out, nil
}

func (s *FakeStore) Range(ctx context.Context, symbol string, from, to int64, source string, limit int) ([]domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Observation
	for _, r := range s.rows {
		if r.Symbol != symbol {
			continue
		}
		ms := r.Timestamp.UnixMilli()
		if ms < from || ms > to {
			continue
		}
		if source != "" && r.Source != source {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) Stats(ctx context.Context, symbol string, from, to int64) (*domain.OHLCV, error) {
	obs, err := s.Range(ctx, symbol, from, to, "", 0)
	if err != nil || len(obs) == 0 {
		return nil, err
	}
	return domain.ComputeOHLCV(symbol, obs), nil
}

func (s *FakeStore) Ping(ctx context.Context) error { return s.PingErr }
func (s *FakeStore) Close() error                   { return nil }

// FakeBroker is an in-memory broker.Broker: cache state is a plain map,
// pub/sub delivers synchronously to any subscription already registered
// at publish time.
type FakeBroker struct {
	mu     sync.Mutex
	latest map[string]domain.Observation
	bytes  map[string][]byte
	subs   map[string][]chan broker.Message
	counts map[string]int64

	PingErr error
}

func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		latest: make(map[string]domain.Observation),
		bytes:  make(map[string][]byte),
		subs:   make(map[string][]chan broker.Message),
		counts: make(map[string]int64),
	}
}

func (b *FakeBroker) SetLatest(ctx context.Context, symbol string, obs domain.Observation, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[symbol] = obs
	return nil
}

func (b *FakeBroker) GetLatest(ctx context.Context, symbol string) (domain.Observation, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obs, ok := b.latest[symbol]
	return obs, ok, nil
}

func (b *FakeBroker) GetLatestMany(ctx context.Context, symbols []string) (map[string]domain.Observation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]domain.Observation, len(symbols))
	for _, sym := range symbols {
		if obs, ok := b.latest[sym]; ok {
			out[sym] = obs
		}
	}
	return out, nil
}

func (b *FakeBroker) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.bytes[key]
	return v, ok, nil
}

func (b *FakeBroker) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bytes[key] = value
	return nil
}

func (b *FakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]chan broker.Message(nil), b.subs[channel]...)
	b.mu.Unlock()

	for _, ch := range subs {
		ch <- broker.Message{Channel: channel, Payload: payload}
	}
	return nil
}

func (b *FakeBroker) Subscribe(ctx context.Context, channels ...string) (broker.Subscription, error) {
	ch := make(chan broker.Message, 64)

	b.mu.Lock()
	for _, c := range channels {
		b.subs[c] = append(b.subs[c], ch)
	}
	b.mu.Unlock()

	return &fakeSubscription{broker: b, channels: channels, ch: ch}, nil
}

type fakeSubscription struct {
	broker   *FakeBroker
	channels []string
	ch       chan broker.Message
	once     sync.Once
}

func (s *fakeSubscription) Channel() <-chan broker.Message { return s.ch }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		for _, c := range s.channels {
			subs := s.broker.subs[c]
			for i, ch := range subs {
				if ch == s.ch {
					s.broker.subs[c] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		close(s.ch)
	})
	return nil
}

func (b *FakeBroker) IncrRateLimit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[key]++
	return b.counts[key], window, nil
}

func (b *FakeBroker) Ping(ctx context.Context) error { return b.PingErr }
func (b *FakeBroker) Close() error                   { return nil }
