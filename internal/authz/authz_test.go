package authz_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/authz"
	"github.com/feedmesh/pricefeed/internal/config"
	"github.com/feedmesh/pricefeed/internal/testsupport"
)

func TestAuthenticateFromBearerHeader(t *testing.T) {
	a := authz.NewAuthenticator(config.Identities{Public: []string{"pub-key"}})

	req := httptest.NewRequest(http.MethodGet, "/prices/latest", nil)
	req.Header.Set("Authorization", "Bearer pub-key")

	id, err := a.Authenticate(req)
	require.Nil(t, err)
	assert.Equal(t, authz.TierPublic, id.Tier)
}

func TestAuthenticateFromQueryParam(t *testing.T) {
	a := authz.NewAuthenticator(config.Identities{Internal: []string{"int-key"}})

	req := httptest.NewRequest(http.MethodGet, "/internal/ingest?key=int-key", nil)

	id, err := a.Authenticate(req)
	require.Nil(t, err)
	assert.Equal(t, authz.TierInternal, id.Tier)
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	a := authz.NewAuthenticator(config.Identities{})
	req := httptest.NewRequest(http.MethodGet, "/prices/latest?key=nope", nil)

	_, err := a.Authenticate(req)
	require.NotNil(t, err)
}

func TestRequireTierOrdering(t *testing.T) {
	assert.True(t, authz.RequireTier(authz.Identity{Tier: authz.TierAdmin}, authz.TierInternal))
	assert.False(t, authz.RequireTier(authz.Identity{Tier: authz.TierPublic}, authz.TierInternal))
	assert.True(t, authz.RequireTier(authz.Identity{Tier: authz.TierInternal}, authz.TierInternal))
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	br := testsupport.NewFakeBroker()
	rl := authz.NewRateLimiter(br, config.RateLimits{PublicFree: 2}, zerolog.Nop())

	id := authz.Identity{Key: "k1", Tier: authz.TierPublic}
	d, err := rl.Allow(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = rl.Allow(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = rl.Allow(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRateLimiterZeroLimitIsUnlimited(t *testing.T) {
	br := testsupport.NewFakeBroker()
	rl := authz.NewRateLimiter(br, config.RateLimits{Admin: 0}, zerolog.Nop())

	id := authz.Identity{Key: "admin-1", Tier: authz.TierAdmin}
	for i := 0; i < 100; i++ {
		d, err := rl.Allow(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestRateLimiterFailsOpenOnBackendError(t *testing.T) {
	br := &failingBroker{FakeBroker: testsupport.NewFakeBroker()}
	var backendUnavailableCalls int
	rl := authz.NewRateLimiter(br, config.RateLimits{PublicFree: 1}, zerolog.Nop())
	rl.OnBackendUnavailable = func() { backendUnavailableCalls++ }

	d, err := rl.Allow(context.Background(), authz.Identity{Key: "k1", Tier: authz.TierPublic})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, backendUnavailableCalls)
}

type failingBroker struct {
	*testsupport.FakeBroker
}

func (b *failingBroker) IncrRateLimit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return 0, 0, assert.AnError
}
