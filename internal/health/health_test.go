package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/health"
	"github.com/feedmesh/pricefeed/internal/testsupport"
)

func TestCheckReportsHealthyWhenBothProbesPass(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	checker := health.NewChecker(st, br, nil, time.Now().Add(-time.Minute))

	resp := checker.Check(context.Background())
	assert.Equal(t, "healthy", resp.Status)
	assert.True(t, resp.Healthy())
	assert.Equal(t, health.StatusUp, resp.Services.Store)
	assert.Equal(t, health.StatusUp, resp.Services.Broker)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(59))
}

func TestCheckReportsDegradedWhenStoreProbeFails(t *testing.T) {
	st := testsupport.NewFakeStore()
	st.PingErr = assert.AnError
	br := testsupport.NewFakeBroker()
	checker := health.NewChecker(st, br, nil, time.Now())

	resp := checker.Check(context.Background())
	assert.Equal(t, "degraded", resp.Status)
	assert.False(t, resp.Healthy())
	assert.Equal(t, health.StatusDown, resp.Services.Store)
}

func TestCheckReportsSubscriptionCount(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	checker := health.NewChecker(st, br, countingSessions{n: 3}, time.Now())

	resp := checker.Check(context.Background())
	require.Equal(t, 3, resp.Services.Subscriptions)
}

type countingSessions struct{ n int }

func (c countingSessions) Count() int { return c.n }
