package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/broker"
	"github.com/feedmesh/pricefeed/internal/subscription"
	"github.com/feedmesh/pricefeed/internal/testsupport"
)

func TestSubscribeDeliversPublishedUpdates(t *testing.T) {
	br := testsupport.NewFakeBroker()
	mgr := subscription.NewManager(br, time.Minute, 0, zerolog.Nop())

	sess, err := mgr.Open()
	require.NoError(t, err)
	defer mgr.Close(sess)

	require.NoError(t, mgr.Subscribe(context.Background(), sess, "BTC/USD"))

	require.NoError(t, br.Publish(context.Background(), broker.PriceUpdateChannel("BTC/USD"), []byte(`{"symbol":"BTC/USD"}`)))

	select {
	case payload := <-sess.Updates:
		assert.Contains(t, string(payload), "BTC/USD")
	case <-time.After(time.Second):
		t.Fatal("expected a delivered update")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	br := testsupport.NewFakeBroker()
	mgr := subscription.NewManager(br, time.Minute, 0, zerolog.Nop())

	sess, err := mgr.Open()
	require.NoError(t, err)
	defer mgr.Close(sess)

	require.NoError(t, mgr.Subscribe(context.Background(), sess, "BTC/USD"))
	mgr.Unsubscribe(sess, "BTC/USD")
	assert.Empty(t, sess.Subscribed())

	require.NoError(t, br.Publish(context.Background(), broker.PriceUpdateChannel("BTC/USD"), []byte(`{}`)))

	select {
	case <-sess.Updates:
		t.Fatal("did not expect delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpenEnforcesConnectionCap(t *testing.T) {
	br := testsupport.NewFakeBroker()
	mgr := subscription.NewManager(br, time.Minute, 1, zerolog.Nop())

	sess, err := mgr.Open()
	require.NoError(t, err)
	defer mgr.Close(sess)

	_, err = mgr.Open()
	require.ErrorIs(t, err, subscription.ErrConnectionCapExceeded)
}

func TestRunHeartbeatSendsPongFrames(t *testing.T) {
	br := testsupport.NewFakeBroker()
	mgr := subscription.NewManager(br, 10*time.Millisecond, 0, zerolog.Nop())

	sess, err := mgr.Open()
	require.NoError(t, err)
	defer mgr.Close(sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.RunHeartbeat(ctx, sess)

	select {
	case payload := <-sess.Updates:
		assert.Contains(t, string(payload), `"type":"pong"`)
		assert.NotContains(t, string(payload), `"type":"ping"`)
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat frame")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	br := testsupport.NewFakeBroker()
	mgr := subscription.NewManager(br, time.Minute, 0, zerolog.Nop())

	sess, err := mgr.Open()
	require.NoError(t, err)
	defer mgr.Close(sess)

	require.NoError(t, mgr.Subscribe(context.Background(), sess, "BTC/USD"))
	require.NoError(t, mgr.Subscribe(context.Background(), sess, "BTC/USD"))
	assert.Len(t, sess.Subscribed(), 1)
}
