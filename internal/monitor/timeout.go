// SPDX-License-Identifier: MIT

// Package monitor reclaims jobs whose assigned encoder has stopped pinging.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vodway/aidgate/internal/alert"
	"github.com/vodway/aidgate/internal/jobstore"
	"github.com/vodway/aidgate/internal/metrics"
)

const (
	// DefaultInterval between ticks.
	DefaultInterval = 5 * time.Minute
	// DefaultTTL after which a silent claim is reclaimed. The TTL-vs-interval
	// margin bounds reclaim latency to TTL + interval.
	DefaultTTL = 60 * time.Minute
)

// TimeoutMonitor is a process-wide singleton. Its ticks never overlap with
// themselves; double execution is harmless because the release predicate
// re-evaluates per row.
type TimeoutMonitor struct {
	store    *jobstore.Store
	gate     *alert.Gate
	interval time.Duration
	ttl      time.Duration
	logger   zerolog.Logger
}

// New creates a timeout monitor. Zero interval or TTL select the defaults.
func New(store *jobstore.Store, gate *alert.Gate, interval, ttl time.Duration, logger zerolog.Logger) *TimeoutMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TimeoutMonitor{
		store:    store,
		gate:     gate,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With().Str("component", "timeout-monitor").Logger(),
	}
}

// Run executes the monitor loop until ctx is done, with an immediate initial
// tick. Tick errors are logged and never abort the loop.
func (m *TimeoutMonitor) Run(ctx context.Context) {
	m.logger.Info().Str("event", "monitor.started").
		Dur("interval", m.interval).Dur("ttl", m.ttl).
		Msg("timeout monitor running")

	m.Tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Str("event", "monitor.stopped").Msg("timeout monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one reclaim pass. Exported so tests can drive the monitor
// without the timer.
func (m *TimeoutMonitor) Tick(ctx context.Context) {
	cutoff := time.Now().Add(-m.ttl)
	count, err := m.store.ReleaseTimedOut(ctx, cutoff)
	if err != nil {
		m.logger.Error().Err(err).Str("event", "monitor.tick_failed").
			Msg("timed-out claim release failed; retrying next tick")
		return
	}
	if count > 0 {
		m.logger.Warn().Str("event", "monitor.released").Int64("count", count).
			Time("cutoff", cutoff).Msg("released stale claims")
		metrics.TimeoutReleases.Add(float64(count))
		m.gate.TimeoutReleased(ctx, count)
	}

	// Activation path (b): the monitor notices the first aid-serviced
	// completion when the dispatch path itself did not light the latch
	// (e.g. the claim happened in a previous process).
	if !m.gate.Latched() {
		first, err := m.store.IsFirstAidServiced(ctx)
		if err != nil {
			m.logger.Debug().Err(err).Msg("first-aid-serviced probe failed")
			return
		}
		if first {
			m.gate.FallbackActivated(ctx, "unknown", "", "")
		}
	}
}
