package collector_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/collector"
)

func TestSenderSucceedsOnFirstAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := collector.NewSender(collector.SenderConfig{URL: srv.URL}, "kraken")
	err := sender.Send(context.Background(), collector.IngestPayload{WorkerID: "kraken"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSenderReturnsPoisonedOn4xxWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sender := collector.NewSender(collector.SenderConfig{
		URL:         srv.URL,
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
	}, "kraken")

	err := sender.Send(context.Background(), collector.IngestPayload{WorkerID: "kraken"})
	require.Error(t, err)

	var poisoned *collector.PoisonedBatchError
	require.ErrorAs(t, err, &poisoned)
	assert.Equal(t, http.StatusBadRequest, poisoned.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSenderRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := collector.NewSender(collector.SenderConfig{
		URL:         srv.URL,
		RetryDelays: []time.Duration{time.Millisecond},
	}, "kraken")

	err := sender.Send(context.Background(), collector.IngestPayload{WorkerID: "kraken"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
