// SPDX-License-Identifier: MIT

package alert

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vodway/aidgate/internal/job"
)

// Gate is the process-wide alerting gate. It owns the one-shot fallback
// activation latch and fans secondary notifications out to the notifier.
type Gate struct {
	notifier Notifier
	logger   zerolog.Logger

	mu        sync.Mutex
	activated bool
}

// NewGate creates a gate around a notifier. Pass NopNotifier{} when
// notifications are disabled.
func NewGate(notifier Notifier, logger zerolog.Logger) *Gate {
	return &Gate{
		notifier: notifier,
		logger:   logger.With().Str("component", "alert-gate").Logger(),
	}
}

// Latched reports whether the fallback-activation notification already fired.
func (g *Gate) Latched() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activated
}

// FallbackActivated fires the high-severity "fallback activated" notification
// exactly once per process lifetime. Subsequent calls are no-ops.
func (g *Gate) FallbackActivated(ctx context.Context, encoderName, did, jobID string) {
	g.mu.Lock()
	if g.activated {
		g.mu.Unlock()
		return
	}
	g.activated = true
	g.mu.Unlock()

	g.logger.Warn().Str("event", "gate.fallback_activated").
		Str("encoder_did", did).Str("job_id", jobID).
		Msg("fallback dispatch path exercised for the first time")

	_ = g.notifier.Notify(ctx, Notification{
		Severity: SeverityCritical,
		Event:    "fallback.activated",
		Message:  fmt.Sprintf("Aid fallback dispatch is active: %s claimed job %s directly", encoderName, jobID),
		Fields: map[string]any{
			"encoder_did":  did,
			"encoder_name": encoderName,
			"job_id":       jobID,
		},
	})
}

// TimeoutReleased reports reclaimed stale claims, one notification per tick.
func (g *Gate) TimeoutReleased(ctx context.Context, count int64) {
	g.logger.Warn().Str("event", "gate.timeout_released").Int64("count", count).
		Msg("stale claims released")

	_ = g.notifier.Notify(ctx, Notification{
		Severity: SeverityWarning,
		Event:    "jobs.timeout_released",
		Message:  fmt.Sprintf("Released %d job(s) whose encoder stopped pinging", count),
		Fields:   map[string]any{"count": count},
	})
}

// JobsHealed reports stuck jobs promoted to complete, listing the first five
// by owner/permlink.
func (g *Gate) JobsHealed(ctx context.Context, healed []*job.Job) {
	if len(healed) == 0 {
		return
	}
	sample := make([]string, 0, 5)
	for _, j := range healed {
		if len(sample) == 5 {
			break
		}
		sample = append(sample, j.Metadata.VideoOwner+"/"+j.Metadata.VideoPermlink)
	}

	g.logger.Info().Str("event", "gate.jobs_healed").Int("count", len(healed)).
		Strs("sample", sample).Msg("stuck jobs promoted to complete")

	_ = g.notifier.Notify(ctx, Notification{
		Severity: SeverityWarning,
		Event:    "jobs.healed",
		Message:  fmt.Sprintf("Promoted %d stuck job(s) with a result CID to complete", len(healed)),
		Fields: map[string]any{
			"count":  len(healed),
			"sample": sample,
		},
	})
}

// VideoHealed reports a single repaired video record.
func (g *Gate) VideoHealed(ctx context.Context, owner, permlink, cid string) {
	g.logger.Info().Str("event", "gate.video_healed").
		Str("owner", owner).Str("permlink", permlink).
		Msg("video record repaired")

	_ = g.notifier.Notify(ctx, Notification{
		Severity: SeverityInfo,
		Event:    "video.healed",
		Message:  fmt.Sprintf("Repaired video metadata for %s/%s", owner, permlink),
		Fields: map[string]any{
			"owner":    owner,
			"permlink": permlink,
			"cid":      cid,
		},
	})
}

// HealCycleSummary reports an overall healer cycle that repaired anything.
func (g *Gate) HealCycleSummary(ctx context.Context, repaired, failed int) {
	if repaired == 0 && failed == 0 {
		return
	}
	severity := SeverityInfo
	if failed > 0 {
		severity = SeverityWarning
	}

	g.logger.Info().Str("event", "gate.heal_cycle").
		Int("repaired", repaired).Int("failed", failed).
		Msg("healer cycle summary")

	_ = g.notifier.Notify(ctx, Notification{
		Severity: severity,
		Event:    "healer.cycle",
		Message:  fmt.Sprintf("Healer cycle repaired %d video record(s), %d failure(s)", repaired, failed),
		Fields: map[string]any{
			"repaired": repaired,
			"failed":   failed,
		},
	})
}
