// SPDX-License-Identifier: MIT

package dispatch

import "net/http"

// APIError is the single tagged error variant every dispatch failure collapses
// to. Code and Status travel verbatim to the wire.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return e.Message
}

// IsRetryable reports whether the client should retry the same request.
// Only transient store failures qualify; 4xx outcomes are terminal for the
// attempt.
func (e *APIError) IsRetryable() bool {
	return e.Status >= http.StatusInternalServerError
}

// Dispatch error definitions. Codes are part of the wire contract.
var (
	ErrEncoderNotAuthorized = &APIError{
		Code:    "ENCODER_NOT_AUTHORIZED",
		Message: "Encoder DID is not registered",
		Status:  http.StatusForbidden,
	}
	ErrEncoderInactive = &APIError{
		Code:    "ENCODER_INACTIVE",
		Message: "Encoder is registered but deactivated",
		Status:  http.StatusForbidden,
	}
	ErrJobNotFound = &APIError{
		Code:    "JOB_NOT_FOUND",
		Message: "Job not found",
		Status:  http.StatusNotFound,
	}
	ErrJobAlreadyAssigned = &APIError{
		Code:    "JOB_ALREADY_ASSIGNED",
		Message: "Job is not available for claiming",
		Status:  http.StatusConflict,
	}
	ErrJobAlreadyCompleted = &APIError{
		Code:    "JOB_ALREADY_COMPLETED",
		Message: "Job has already been completed",
		Status:  http.StatusConflict,
	}
	ErrJobNotOwned = &APIError{
		Code:    "JOB_NOT_OWNED",
		Message: "Job is owned by a different encoder",
		Status:  http.StatusNotFound,
	}
	ErrInvalidCID = &APIError{
		Code:    "INVALID_CID",
		Message: "Completion result requires a non-empty CID",
		Status:  http.StatusBadRequest,
	}
	ErrInvalidRequest = &APIError{
		Code:    "INVALID_REQUEST",
		Message: "Invalid request parameters",
		Status:  http.StatusBadRequest,
	}
	ErrInternal = &APIError{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
		Status:  http.StatusInternalServerError,
	}
)
