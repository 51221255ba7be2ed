// SPDX-License-Identifier: MIT

package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookDeliversJSON(t *testing.T) {
	var (
		mu       sync.Mutex
		received []Notification
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		require.NoError(t, json.NewDecoder(r.Body).Decode(&n))
		mu.Lock()
		received = append(received, n)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	w := NewWebhook(ts.URL, zerolog.Nop())
	err := w.Notify(context.Background(), Notification{
		Severity: SeverityWarning,
		Event:    "jobs.timeout_released",
		Message:  "released 2 jobs",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "jobs.timeout_released", received[0].Event)
	assert.NotEmpty(t, received[0].ID, "an ID is stamped on delivery")
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestWebhookSwallowsDeliveryFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	w := NewWebhook(ts.URL, zerolog.Nop())
	assert.NoError(t, w.Notify(context.Background(), Notification{Event: "x"}))

	// Unreachable endpoint: still no error.
	down := NewWebhook("http://127.0.0.1:1", zerolog.Nop())
	assert.NoError(t, down.Notify(context.Background(), Notification{Event: "x"}))
}

func TestWebhookRateLimitDropsBurst(t *testing.T) {
	var (
		mu    sync.Mutex
		count int
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		count++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	w := NewWebhook(ts.URL, zerolog.Nop())
	for i := 0; i < 30; i++ {
		require.NoError(t, w.Notify(context.Background(), Notification{Event: "burst"}))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, count, 12, "sends beyond the burst budget are dropped")
	assert.GreaterOrEqual(t, count, 1)
}
