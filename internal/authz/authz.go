// Package authz implements identity extraction, tiered access control,
// and the Redis-backed request rate limiter.
package authz

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/broker"
	"github.com/feedmesh/pricefeed/internal/config"
)

// Tier is an identity's access level.
type Tier string

const (
	TierPublic   Tier = "public"
	TierInternal Tier = "internal"
	TierAdmin    Tier = "admin"
)

// Identity is the resolved caller for one request.
type Identity struct {
	Key  string
	Tier Tier
}

// Authenticator resolves the bearer token or ?key= query parameter
// against the configured per-tier key lists.
type Authenticator struct {
	keyTier map[string]Tier
}

// NewAuthenticator builds the identity table from config at boot.
func NewAuthenticator(ids config.Identities) *Authenticator {
	table := make(map[string]Tier, len(ids.Internal)+len(ids.Public)+len(ids.Admin))
	for _, k := range ids.Admin {
		table[k] = TierAdmin
	}
	for _, k := range ids.Internal {
		table[k] = TierInternal
	}
	for _, k := range ids.Public {
		table[k] = TierPublic
	}
	return &Authenticator{keyTier: table}
}

// Authenticate extracts a key from the Authorization header ("Bearer
// ...") or the "key" query parameter and resolves it to an Identity.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, *apierr.Error) {
	key := extractKey(r)
	if key == "" {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "missing API key")
	}

	tier, ok := a.keyTier[key]
	if !ok {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "unknown API key")
	}

	return Identity{Key: key, Tier: tier}, nil
}

func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return r.URL.Query().Get("key")
}

// RequireTier reports whether an identity at tier satisfies the minimum
// required tier, ordered public < internal < admin.
func RequireTier(id Identity, minimum Tier) bool {
	return rank(id.Tier) >= rank(minimum)
}

func rank(t Tier) int {
	switch t {
	case TierAdmin:
		return 2
	case TierInternal:
		return 1
	default:
		return 0
	}
}

// RateLimiter enforces the fixed 60-second-window per-identity request
// budget via broker.IncrRateLimit, failing open (allowing the request)
// when the broker itself is unavailable.
type RateLimiter struct {
	broker broker.Broker
	limits config.RateLimits
	window time.Duration
	log    zerolog.Logger

	// OnBackendUnavailable is invoked once per fail-open decision, for
	// the rate_limit_backend_unavailable counter.
	OnBackendUnavailable func()
}

// NewRateLimiter builds a RateLimiter over the configured per-tier
// requests-per-minute budgets.
func NewRateLimiter(b broker.Broker, limits config.RateLimits, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{broker: b, limits: limits, window: 60 * time.Second, log: log.With().Str("component", "ratelimit").Logger()}
}

// Decision reports the outcome of a rate-limit check plus everything
// needed to render the X-RateLimit-* response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Allow reports whether id may proceed. A limit of 0 means unlimited and
// bypasses the counter entirely.
func (rl *RateLimiter) Allow(ctx context.Context, id Identity) (Decision, error) {
	limit := rl.limitFor(id.Tier)
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}

	count, ttl, err := rl.broker.IncrRateLimit(ctx, id.Key, rl.window)
	if err != nil {
		rl.log.Warn().Err(err).Str("key", id.Key).Msg("rate limit backend unavailable, failing open")
		if rl.OnBackendUnavailable != nil {
			rl.OnBackendUnavailable()
		}
		return Decision{Allowed: true, Limit: limit}, nil
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

func (rl *RateLimiter) limitFor(tier Tier) int {
	switch tier {
	case TierAdmin:
		return rl.limits.Admin
	case TierInternal:
		return rl.limits.Internal
	default:
		return rl.limits.PublicFree
	}
}
