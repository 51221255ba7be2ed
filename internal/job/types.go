// SPDX-License-Identifier: MIT

// Package job defines the canonical encoding-job model shared by the dispatch
// core, the timeout monitor and the healer.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAssigned   Status = "assigned"
	StatusRunning    Status = "running"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusUnassigned, StatusAssigned, StatusRunning, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further forward transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
// The unassigned transition out of assigned/running is the timeout release.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusUnassigned:
		return next == StatusAssigned
	case StatusAssigned:
		return next == StatusRunning || next == StatusComplete || next == StatusFailed || next == StatusUnassigned
	case StatusRunning:
		return next == StatusComplete || next == StatusFailed || next == StatusUnassigned
	}
	return false
}

// Metadata identifies the video a job encodes. Immutable after creation.
type Metadata struct {
	VideoOwner    string `json:"video_owner"`
	VideoPermlink string `json:"video_permlink"`
}

// Input describes the source media.
type Input struct {
	URI  string `json:"uri"`
	Size int64  `json:"size"`
}

// Progress carries encoder-reported completion percentages, each in [0,100].
type Progress struct {
	DownloadPct float64 `json:"download_pct"`
	Pct         float64 `json:"pct"`
}

// Valid reports whether both percentages are within [0,100].
func (p Progress) Valid() bool {
	return p.DownloadPct >= 0 && p.DownloadPct <= 100 && p.Pct >= 0 && p.Pct <= 100
}

// Result is the encoder's completion artifact. CID is required.
type Result struct {
	CID   string          `json:"cid"`
	Extra json.RawMessage `json:"extra,omitempty"`
}

// Job is the canonical unit of work in the shared job store.
type Job struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	CreatedAt    time.Time  `json:"created_at"`
	AssignedDate *time.Time `json:"assigned_date,omitempty"`
	LastPinged   *time.Time `json:"last_pinged,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// AssignedTo is the DID of the current owner; non-empty iff status is
	// assigned or running.
	AssignedTo string `json:"assigned_to,omitempty"`

	Metadata Metadata `json:"metadata"`

	// StorageMetadata is an opaque descriptor of where the source media lives.
	StorageMetadata json.RawMessage `json:"storageMetadata,omitempty"`

	Input    Input     `json:"input"`
	Progress *Progress `json:"progress,omitempty"`
	Result   *Result   `json:"result,omitempty"`
}

// Owned reports whether the job is currently owned by the given DID.
func (j *Job) Owned(did string) bool {
	return j.AssignedTo != "" && j.AssignedTo == did
}
