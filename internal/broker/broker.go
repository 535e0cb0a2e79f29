// Package broker implements the cache + pub/sub adapter on top
// of Redis. Three independent logical connections are kept: one for
// general commands, one reserved for publish, one reserved for
// subscribe.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/domain"
)

// Broker is the interface the rest of the service depends on, so the
// ingestion, query, subscription, and rate-limit components never import
// go-redis directly.
type Broker interface {
	// SetLatest overwrites latest:{symbol} with obs, TTL-bound, rather
	// than invalidating the key on every write.
	SetLatest(ctx context.Context, symbol string, obs domain.Observation, ttl time.Duration) error
	// GetLatest returns (obs, true, nil) on hit, (zero, false, nil) on
	// a clean miss, or a CACHE_ERROR on transport failure.
	GetLatest(ctx context.Context, symbol string) (domain.Observation, bool, error)
	GetLatestMany(ctx context.Context, symbols []string) (map[string]domain.Observation, error)

	// GetBytes/SetBytes back the generic range:{...} and
	// consensus:{...} cache keys, which store opaque marshaled JSON
	// blobs rather than typed values.
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// IncrRateLimit atomically increments ratelimit:{key}, setting a
	// 60s expiry on first increment, and returns the new count plus the
	// window's remaining TTL.
	IncrRateLimit(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Subscription wraps a live channel subscription; Channel delivers raw
// payloads as published, Close tears down the subscribe-side connection
// for this subscription.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Message is one delivered pub/sub payload.
type Message struct {
	Channel string
	Payload []byte
}

const keyPrefix = "feedmesh:"

// RedisBroker is the production Broker backed by three *redis.Client
// instances sharing connection options but never sharing pools, so a
// blocked subscribe connection can never starve command traffic.
type RedisBroker struct {
	cmd *redis.Client
	pub *redis.Client
	sub *redis.Client
}

// New dials the three logical connections against addr (a redis:// URL
// or host:port). Commands issued while disconnected fail fast rather
// than block indefinitely, enforced here via DialTimeout and a
// bounded PoolTimeout.
func New(addr string) (*RedisBroker, error) {
	opts, err := parseOptions(addr)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	base := *opts
	base.PoolSize = 20
	base.MinIdleConns = 2
	base.DialTimeout = 5 * time.Second
	base.ReadTimeout = 2 * time.Second
	base.WriteTimeout = 2 * time.Second
	base.PoolTimeout = 2 * time.Second
	base.MaxRetries = 3
	base.MinRetryBackoff = 100 * time.Millisecond
	base.MaxRetryBackoff = 500 * time.Millisecond

	cmdOpts := base
	pubOpts := base
	subOpts := base

	return &RedisBroker{
		cmd: redis.NewClient(&cmdOpts),
		pub: redis.NewClient(&pubOpts),
		sub: redis.NewClient(&subOpts),
	}, nil
}

func parseOptions(addr string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(addr); err == nil {
		return opts, nil
	}
	return &redis.Options{Addr: addr}, nil
}

func latestKey(symbol string) string { return keyPrefix + "latest:" + symbol }

func (b *RedisBroker) SetLatest(ctx context.Context, symbol string, obs domain.Observation, ttl time.Duration) error {
	data, err := json.Marshal(obs)
	if err != nil {
		return apierr.Wrap(apierr.CodeCacheError, "marshal observation", err)
	}
	if err := b.cmd.Set(ctx, latestKey(symbol), data, ttl).Err(); err != nil {
		return apierr.Wrap(apierr.CodeCacheError, "set latest", err)
	}
	return nil
}

func (b *RedisBroker) GetLatest(ctx context.Context, symbol string) (domain.Observation, bool, error) {
	raw, err := b.cmd.Get(ctx, latestKey(symbol)).Bytes()
	if err == redis.Nil {
		return domain.Observation{}, false, nil
	}
	if err != nil {
		return domain.Observation{}, false, apierr.Wrap(apierr.CodeCacheError, "get latest", err)
	}
	var obs domain.Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return domain.Observation{}, false, apierr.Wrap(apierr.CodeCacheError, "decode latest", err)
	}
	return obs, true, nil
}

// GetLatestMany performs one MGET across all requested keys, returning
// only the symbols that hit.
func (b *RedisBroker) GetLatestMany(ctx context.Context, symbols []string) (map[string]domain.Observation, error) {
	out := make(map[string]domain.Observation, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = latestKey(s)
	}

	vals, err := b.cmd.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeCacheError, "mget latest", err)
	}

	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		var obs domain.Observation
		if err := json.Unmarshal([]byte(str), &obs); err != nil {
			log.Warn().Err(err).Str("symbol", symbols[i]).Msg("decode cached latest failed")
			continue
		}
		out[symbols[i]] = obs
	}
	return out, nil
}

func (b *RedisBroker) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := b.cmd.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apierr.Wrap(apierr.CodeCacheError, "get bytes", err)
	}
	return raw, true, nil
}

func (b *RedisBroker) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.cmd.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		return apierr.Wrap(apierr.CodeCacheError, "set bytes", err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.pub.Publish(ctx, keyPrefix+channel, payload).Err(); err != nil {
		return apierr.Wrap(apierr.CodeCacheError, "publish", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	prefixed := make([]string, len(channels))
	for i, c := range channels {
		prefixed[i] = keyPrefix + c
	}

	ps := b.sub.Subscribe(ctx, prefixed...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, apierr.Wrap(apierr.CodeCacheError, "subscribe", err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		ch := ps.Channel()
		for msg := range ch {
			out <- Message{Channel: trimPrefix(msg.Channel), Payload: []byte(msg.Payload)}
		}
	}()

	return &redisSubscription{ps: ps, ch: out}, nil
}

func trimPrefix(channel string) string {
	if len(channel) > len(keyPrefix) && channel[:len(keyPrefix)] == keyPrefix {
		return channel[len(keyPrefix):]
	}
	return channel
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }
func (s *redisSubscription) Close() error            { return s.ps.Close() }

// rateLimitIncr is a Lua script so the INCR + conditional EXPIRE happens
// atomically: without it, two concurrent first-requests in the same
// window could both see count==1 and both set a fresh 60s TTL, one of
// which silently loses the race's timing but never doubles the window.
var rateLimitIncr = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("TTL", KEYS[1])
return {count, ttl}
`)

func (b *RedisBroker) IncrRateLimit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := rateLimitIncr.Run(ctx, b.cmd, []string{keyPrefix + "ratelimit:" + key}, int(window.Seconds())).Result()
	if err != nil {
		return 0, 0, apierr.Wrap(apierr.CodeCacheError, "incr rate limit", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, apierr.New(apierr.CodeCacheError, "unexpected rate limit script result")
	}
	count, _ := vals[0].(int64)
	ttlSeconds, _ := vals[1].(int64)
	if ttlSeconds < 0 {
		ttlSeconds = int64(window.Seconds())
	}
	return count, time.Duration(ttlSeconds) * time.Second, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.cmd.Ping(ctx).Err(); err != nil {
		return apierr.Wrap(apierr.CodeCacheError, "ping broker", err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	var firstErr error
	for _, c := range []*redis.Client{b.cmd, b.pub, b.sub} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
