// SPDX-License-Identifier: MIT

package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodway/aidgate/internal/alert"
	"github.com/vodway/aidgate/internal/job"
	"github.com/vodway/aidgate/internal/jobstore"
	"github.com/vodway/aidgate/internal/persistence/sqlite"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []alert.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, ev alert.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) byEvent(event string) []alert.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []alert.Notification
	for _, ev := range n.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func newFixture(t *testing.T) (*jobstore.Store, *alert.Gate, *recordingNotifier) {
	t.Helper()
	store, err := jobstore.Open(filepath.Join(t.TempDir(), "jobs.db"), sqlite.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &recordingNotifier{}
	return store, alert.NewGate(rec, zerolog.Nop()), rec
}

func TestTickReleasesStaleClaims(t *testing.T) {
	store, gate, rec := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.InsertJob(ctx, &job.Job{ID: "stale", Status: job.StatusUnassigned, CreatedAt: now}))
	require.NoError(t, store.InsertJob(ctx, &job.Job{ID: "fresh", Status: job.StatusUnassigned, CreatedAt: now}))
	_, err := store.ClaimAtomic(ctx, "stale", "did:key:silent", now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = store.ClaimAtomic(ctx, "fresh", "did:key:alive", now)
	require.NoError(t, err)

	m := New(store, gate, time.Minute, time.Hour, zerolog.Nop())
	m.Tick(ctx)

	stale, err := store.GetJob(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, job.StatusUnassigned, stale.Status)
	assert.Empty(t, stale.AssignedTo)

	fresh, err := store.GetJob(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, job.StatusAssigned, fresh.Status)

	releases := rec.byEvent("jobs.timeout_released")
	require.Len(t, releases, 1)
	assert.EqualValues(t, 1, releases[0].Fields["count"])
}

func TestTickIsQuietWhenNothingIsStale(t *testing.T) {
	store, gate, rec := newFixture(t)
	ctx := context.Background()

	require.NoError(t, store.InsertJob(ctx, &job.Job{ID: "j", Status: job.StatusUnassigned, CreatedAt: time.Now()}))
	_, err := store.ClaimAtomic(ctx, "j", "did:key:alive", time.Now())
	require.NoError(t, err)

	m := New(store, gate, time.Minute, time.Hour, zerolog.Nop())
	m.Tick(ctx)

	assert.Empty(t, rec.byEvent("jobs.timeout_released"))
}

func TestTickLightsLatchOnFirstAidServicedCompletion(t *testing.T) {
	store, gate, rec := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	m := New(store, gate, time.Minute, time.Hour, zerolog.Nop())

	// Nothing completed yet: the latch stays dark.
	m.Tick(ctx)
	assert.False(t, gate.Latched())

	// A completion that happened outside this process (e.g. before a restart).
	done := now.Add(-time.Minute)
	require.NoError(t, store.InsertJob(ctx, &job.Job{
		ID: "done", Status: job.StatusComplete, AssignedTo: "did:key:a",
		CreatedAt: now.Add(-time.Hour), CompletedAt: &done,
		Result: &job.Result{CID: "bafy-done"},
	}))

	m.Tick(ctx)
	assert.True(t, gate.Latched())
	require.Len(t, rec.byEvent("fallback.activated"), 1)

	// Further ticks never re-fire.
	m.Tick(ctx)
	assert.Len(t, rec.byEvent("fallback.activated"), 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store, gate, _ := newFixture(t)
	m := New(store, gate, 10*time.Millisecond, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
