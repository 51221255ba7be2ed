// SPDX-License-Identifier: MIT

// Package healer repairs two inconsistencies left behind when encoders finish
// work but downstream metadata fails to update: jobs that carry a result CID
// without being marked complete, and published video records missing their
// video_v2 pointer.
package healer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vodway/aidgate/internal/alert"
	"github.com/vodway/aidgate/internal/job"
	"github.com/vodway/aidgate/internal/jobstore"
	"github.com/vodway/aidgate/internal/metrics"
)

const (
	// DefaultInterval between healer cycles.
	DefaultInterval = 60 * time.Minute
	// jobWindow bounds which jobs a cycle inspects.
	jobWindow = 1 * time.Hour
	// recordWindow bounds how old a video record may be and still matter.
	recordWindow = 24 * time.Hour
)

// Healer is a serialized background reconciler.
type Healer struct {
	store    *jobstore.Store
	gate     *alert.Gate
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a healer. Zero interval selects the default.
func New(store *jobstore.Store, gate *alert.Gate, interval time.Duration, logger zerolog.Logger) *Healer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Healer{
		store:    store,
		gate:     gate,
		interval: interval,
		logger:   logger.With().Str("component", "healer").Logger(),
		now:      time.Now,
	}
}

// Run executes healer cycles until ctx is done, with an immediate initial
// cycle. Cycle errors are logged and never abort the loop.
func (h *Healer) Run(ctx context.Context) {
	h.logger.Info().Str("event", "healer.started").Dur("interval", h.interval).
		Msg("video healer running")

	h.Cycle(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "healer.stopped").Msg("video healer stopped")
			return
		case <-ticker.C:
			h.Cycle(ctx)
		}
	}
}

// Cycle performs one full heal pass. Exported so tests can drive the healer
// without the timer. Running two cycles back-to-back on identical inputs
// repairs only on the first.
func (h *Healer) Cycle(ctx context.Context) {
	h.healStuckJobs(ctx)
	h.healVideoRecords(ctx)
}

// healStuckJobs promotes jobs that carry a result CID but were never marked
// complete (Phase A).
func (h *Healer) healStuckJobs(ctx context.Context) {
	healed, err := h.store.HealStuckJobs(ctx, jobWindow)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "healer.stuck_failed").
			Msg("stuck-job heal failed; retrying next cycle")
		return
	}
	if len(healed) == 0 {
		return
	}
	metrics.Heals.WithLabelValues("stuck_job").Add(float64(len(healed)))
	h.gate.JobsHealed(ctx, healed)
}

// healVideoRecords walks recently completed jobs and repairs missing
// video-metadata records (Phase B).
func (h *Healer) healVideoRecords(ctx context.Context) {
	jobs, err := h.store.RecentlyCompleted(ctx, jobWindow)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "healer.scan_failed").
			Msg("recently-completed scan failed; retrying next cycle")
		return
	}

	repaired, failed := 0, 0
	for _, j := range jobs {
		ok, err := h.healVideoRecord(ctx, j)
		if err != nil {
			failed++
			h.logger.Warn().Err(err).Str("job_id", j.ID).
				Str("event", "healer.video_failed").Msg("video record heal failed")
			continue
		}
		if ok {
			repaired++
			metrics.Heals.WithLabelValues("video_record").Inc()
			h.gate.VideoHealed(ctx, j.Metadata.VideoOwner, j.Metadata.VideoPermlink, j.Result.CID)
		}
	}
	h.gate.HealCycleSummary(ctx, repaired, failed)
}

// healVideoRecord repairs a single job's video record when all preconditions
// hold: the record exists, is published, was created within the record window
// and has an empty video_v2 field.
func (h *Healer) healVideoRecord(ctx context.Context, j *job.Job) (bool, error) {
	owner := j.Metadata.VideoOwner
	permlink := j.Metadata.VideoPermlink
	if owner == "" || permlink == "" || j.Result == nil || j.Result.CID == "" {
		return false, nil
	}

	record, err := h.store.GetVideo(ctx, owner, permlink)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	if record.Status != jobstore.VideoStatusPublished {
		return false, nil
	}
	if record.VideoV2 != "" {
		return false, nil
	}
	if h.now().Sub(record.Created) > recordWindow {
		return false, nil
	}

	return h.store.PublishVideoV2(ctx, owner, permlink, VideoV2FromCID(j.Result.CID))
}

// VideoV2FromCID derives the video_v2 manifest pointer from a result CID.
func VideoV2FromCID(cid string) string {
	return fmt.Sprintf("ipfs://%s/manifest.m3u8", cid)
}
