package collector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/domain"
)

func TestBackoffCapsAtCeiling(t *testing.T) {
	d := backoff(20) // far past the cap
	assert.LessOrEqual(t, d, reconnectCapDelay+reconnectCapDelay/5)
	assert.Greater(t, d, reconnectCapDelay-reconnectCapDelay/5)
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	// jitter is +/-20%, so attempt 1 (~1s) should stay well under attempt 4 (~8s).
	assert.Less(t, backoff(1), 2*time.Second)
	assert.Greater(t, backoff(4), 3*time.Second)
}

// unreachableAdapter always fails to dial, exercising the reconnect
// ceiling without a real upstream.
type unreachableAdapter struct{}

func (unreachableAdapter) Name() string                             { return "fake" }
func (unreachableAdapter) UpstreamURL(symbols []string) string       { return "ws://127.0.0.1:1" }
func (unreachableAdapter) SubscribeFrame([]string) ([]byte, bool)    { return nil, false }
func (unreachableAdapter) Parse([]byte) (*domain.Observation, error) { return nil, nil }
func (unreachableAdapter) NormalizeSymbol(raw string) string         { return raw }

func TestRuntimeSettlesToFailedAfterReconnectCeiling(t *testing.T) {
	sender := NewSender(SenderConfig{URL: "http://127.0.0.1:1"}, "fake")
	rt := NewRuntime(unreachableAdapter{}, Config{
		Symbols:              []string{"BTC/USD"},
		MaxReconnectAttempts: 1,
		Batcher:              BatcherConfig{MaxBatchSize: 10, MaxBatchAge: time.Second},
	}, sender, zerolog.Nop())

	err := rt.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, rt.State())
}
