// SPDX-License-Identifier: MIT

// Package dispatch implements the Aid fallback dispatch core: the only
// component that mutates authoritative job state from encoder-driven requests.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/vodway/aidgate/internal/alert"
	"github.com/vodway/aidgate/internal/cluster"
	"github.com/vodway/aidgate/internal/job"
	"github.com/vodway/aidgate/internal/jobstore"
	"github.com/vodway/aidgate/internal/log"
	"github.com/vodway/aidgate/internal/metrics"
)

// listCap bounds how many unassigned jobs a single list call returns.
const listCap = 25

// Service holds the dispatch core's dependencies.
type Service struct {
	store     *jobstore.Store
	gate      *alert.Gate
	directory *cluster.Directory
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService wires the dispatch core. directory may be nil-valued (empty base
// URL); it is only used to decorate operator alerts.
func NewService(store *jobstore.Store, gate *alert.Gate, directory *cluster.Directory, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		gate:      gate,
		directory: directory,
		logger:    logger.With().Str("component", "dispatch").Logger(),
		now:       time.Now,
	}
}

// ClaimResult is returned to the winning encoder with everything needed to
// begin encoding.
type ClaimResult struct {
	Job        *job.Job
	AssignedAt time.Time
}

// ListJobs returns unassigned jobs, newest first, capped. Never returns jobs
// owned by any encoder.
func (s *Service) ListJobs(ctx context.Context, did string) ([]*job.Job, error) {
	timer := time.Now()
	defer func() { metrics.DispatchDuration.WithLabelValues("list").Observe(time.Since(timer).Seconds()) }()

	jobs, err := s.store.ListUnassigned(ctx, listCap)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list").Inc()
		s.logger.Error().Err(err).Str("encoder_did", did).Str("event", "dispatch.list_failed").
			Msg("listing unassigned jobs failed")
		return nil, ErrInternal
	}
	return jobs, nil
}

// Claim atomically transitions a job from unassigned to assigned for the
// caller. Exactly one of any set of concurrent claims wins; the rest observe
// JOB_ALREADY_ASSIGNED.
func (s *Service) Claim(ctx context.Context, did, jobID string) (*ClaimResult, error) {
	timer := time.Now()
	defer func() { metrics.DispatchDuration.WithLabelValues("claim").Observe(time.Since(timer).Seconds()) }()

	if jobID == "" {
		return nil, ErrInvalidRequest
	}

	now := s.now()
	claimed, err := s.store.ClaimAtomic(ctx, jobID, did, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("claim").Inc()
		metrics.Claims.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("encoder_did", did).Str("job_id", jobID).
			Str("event", "dispatch.claim_failed").Msg("claim failed against store")
		return nil, ErrInternal
	}
	if claimed == nil {
		metrics.Claims.WithLabelValues("lost").Inc()
		return nil, ErrJobAlreadyAssigned
	}

	metrics.Claims.WithLabelValues("won").Inc()
	claimLogger := log.WithComponentFromContext(ctx, "dispatch")
	claimLogger.Info().
		Str("event", "dispatch.claimed").
		Str("encoder_did", did).Str("job_id", jobID).
		Msg("job claimed via fallback path")

	// First successful claim across the process lifetime lights the latch.
	if !s.gate.Latched() {
		name := did
		if s.directory != nil {
			name = s.directory.DisplayName(ctx, did)
		}
		s.gate.FallbackActivated(ctx, name, did, jobID)
	}

	return &ClaimResult{Job: claimed, AssignedAt: now}, nil
}

// Update stamps a ping and replaces status and progress. Ownership failures
// are reported as JOB_NOT_FOUND so non-owners learn nothing about existence.
func (s *Service) Update(ctx context.Context, did, jobID string, status job.Status, progress job.Progress) (time.Time, error) {
	timer := time.Now()
	defer func() { metrics.DispatchDuration.WithLabelValues("update").Observe(time.Since(timer).Seconds()) }()

	if jobID == "" {
		return time.Time{}, ErrInvalidRequest
	}
	switch status {
	case job.StatusAssigned, job.StatusRunning, job.StatusFailed:
	default:
		return time.Time{}, ErrInvalidRequest
	}
	if !progress.Valid() {
		return time.Time{}, ErrInvalidRequest
	}

	now := s.now()
	ok, err := s.store.UpdateProgress(ctx, jobID, did, status, progress, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("update").Inc()
		metrics.Updates.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("encoder_did", did).Str("job_id", jobID).
			Str("event", "dispatch.update_failed").Msg("progress update failed against store")
		return time.Time{}, ErrInternal
	}
	if !ok {
		metrics.Updates.WithLabelValues("rejected").Inc()
		return time.Time{}, ErrJobNotFound
	}

	metrics.Updates.WithLabelValues("ok").Inc()
	return now, nil
}

// Complete transitions the job to complete. Idempotent for the owning DID:
// repeats succeed and report the original completion time.
func (s *Service) Complete(ctx context.Context, did, jobID string, result job.Result) (time.Time, error) {
	timer := time.Now()
	defer func() { metrics.DispatchDuration.WithLabelValues("complete").Observe(time.Since(timer).Seconds()) }()

	if jobID == "" {
		return time.Time{}, ErrInvalidRequest
	}
	if result.CID == "" {
		return time.Time{}, ErrInvalidCID
	}

	now := s.now()
	ok, err := s.store.CompleteJob(ctx, jobID, did, result, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("complete").Inc()
		metrics.Completions.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("encoder_did", did).Str("job_id", jobID).
			Str("event", "dispatch.complete_failed").Msg("completion failed against store")
		return time.Time{}, ErrInternal
	}
	if !ok {
		metrics.Completions.WithLabelValues("rejected").Inc()
		return time.Time{}, ErrJobNotFound
	}

	metrics.Completions.WithLabelValues("ok").Inc()
	completeLogger := log.WithComponentFromContext(ctx, "dispatch")
	completeLogger.Info().
		Str("event", "dispatch.completed").
		Str("encoder_did", did).Str("job_id", jobID).Str("cid", result.CID).
		Msg("job completed via fallback path")

	// Re-read so idempotent repeats report the original completion stamp.
	completed, err := s.store.GetJob(ctx, jobID)
	if err == nil && completed != nil && completed.CompletedAt != nil {
		return *completed.CompletedAt, nil
	}
	return now, nil
}

// Get returns the job and whether the caller currently owns it. Read-only.
func (s *Service) Get(ctx context.Context, did, jobID string) (*job.Job, bool, error) {
	timer := time.Now()
	defer func() { metrics.DispatchDuration.WithLabelValues("get").Observe(time.Since(timer).Seconds()) }()

	if jobID == "" {
		return nil, false, ErrInvalidRequest
	}
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		s.logger.Error().Err(err).Str("job_id", jobID).
			Str("event", "dispatch.get_failed").Msg("job read failed against store")
		return nil, false, ErrInternal
	}
	if j == nil {
		return nil, false, ErrJobNotFound
	}
	return j, j.Owned(did), nil
}

// StoreConnected reports whether the shared job store is reachable.
func (s *Service) StoreConnected() bool {
	return s.store.Connected()
}
