// SPDX-License-Identifier: MIT

package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vodway/aidgate/internal/job"
	"github.com/vodway/aidgate/internal/log"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.L()
		logger.Error().Err(err).Int("status", code).Msg("failed to encode JSON response")
	}
}

// errorEnvelope is the uniform failure body.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeAPIError(w http.ResponseWriter, apiErr *APIError) {
	writeJSON(w, apiErr.Status, errorEnvelope{
		Success: false,
		Error:   apiErr.Message,
		Code:    apiErr.Code,
	})
}

// respondError maps any service error onto the wire envelope. Unknown errors
// collapse to INTERNAL_ERROR with a generic message.
func respondError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}
	writeAPIError(w, ErrInternal)
}

// jobSummary is the list-jobs projection of a job.
type jobSummary struct {
	ID        string       `json:"id"`
	Status    job.Status   `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	Metadata  job.Metadata `json:"metadata"`
	Input     job.Input    `json:"input"`
}

// handleHealth serves the unauthenticated health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.svc.StoreConnected() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"version":         s.version,
		"store_connected": s.svc.StoreConnected(),
		"timestamp":       time.Now().UTC(),
	})
}

// handleListJobs returns unassigned jobs for the authenticated encoder.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	enc := EncoderFromContext(r.Context())

	jobs, err := s.svc.ListJobs(r.Context(), enc.DID)
	if err != nil {
		respondError(w, err)
		return
	}

	summaries := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		summaries = append(summaries, jobSummary{
			ID:        j.ID,
			Status:    j.Status,
			CreatedAt: j.CreatedAt,
			Metadata:  j.Metadata,
			Input:     j.Input,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    summaries,
	})
}

// handleClaimJob atomically claims a job for the authenticated encoder.
func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	enc := EncoderFromContext(r.Context())

	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, ErrInvalidRequest)
		return
	}

	ctx := log.ContextWithJobID(r.Context(), req.JobID)
	result, err := s.svc.Claim(ctx, enc.DID, req.JobID)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"job_id":      result.Job.ID,
		"assigned_to": enc.DID,
		"assigned_at": result.AssignedAt.UTC(),
		"job_details": map[string]any{
			"input":           result.Job.Input,
			"metadata":        result.Job.Metadata,
			"storageMetadata": result.Job.StorageMetadata,
		},
	})
}

// handleUpdateJob records progress and stamps the heartbeat.
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	enc := EncoderFromContext(r.Context())

	var req struct {
		JobID    string       `json:"job_id"`
		Status   job.Status   `json:"status"`
		Progress job.Progress `json:"progress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, ErrInvalidRequest)
		return
	}

	ctx := log.ContextWithJobID(r.Context(), req.JobID)
	updatedAt, err := s.svc.Update(ctx, enc.DID, req.JobID, req.Status, req.Progress)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"job_id":     req.JobID,
		"status":     req.Status,
		"updated_at": updatedAt.UTC(),
	})
}

// handleCompleteJob finalizes a job with the encoder's result.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	enc := EncoderFromContext(r.Context())

	var req struct {
		JobID  string     `json:"job_id"`
		Result job.Result `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, ErrInvalidRequest)
		return
	}

	ctx := log.ContextWithJobID(r.Context(), req.JobID)
	completedAt, err := s.svc.Complete(ctx, enc.DID, req.JobID, req.Result)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"job_id":       req.JobID,
		"completed_at": completedAt.UTC(),
	})
}

// handleGetJob returns the job plus ownership information. Read-only.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	enc := EncoderFromContext(r.Context())

	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, ErrInvalidRequest)
		return
	}

	j, owned, err := s.svc.Get(r.Context(), enc.DID, req.JobID)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":               true,
		"job":                   j,
		"is_owned_by_requester": owned,
	})
}
