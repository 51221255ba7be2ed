// SPDX-License-Identifier: MIT

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/vodway/aidgate/internal/log"
	"github.com/vodway/aidgate/internal/metrics"
	"github.com/vodway/aidgate/internal/registry"
)

// DIDHeader carries the encoder identity. The header is authoritative; the
// legacy encoder_did body field is honored only when the header is absent.
const DIDHeader = "X-Encoder-DID"

// maxAuthPeekBytes bounds how much request body the middleware will read to
// find a legacy DID field.
const maxAuthPeekBytes = 1 << 20

type ctxEncoderKey struct{}

// EncoderFromContext returns the encoder resolved by the auth middleware.
func EncoderFromContext(ctx context.Context) *registry.Encoder {
	e, _ := ctx.Value(ctxEncoderKey{}).(*registry.Encoder)
	return e
}

// authMiddleware resolves the presented DID against the local registry and
// attaches the encoder record to the request context. This is the only
// authorization check in the Aid plane; no signature is verified.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.WithComponentFromContext(r.Context(), "auth")

		did := r.Header.Get(DIDHeader)
		if did == "" {
			did = s.peekBodyDID(r)
		}
		if did == "" {
			logger.Warn().Str("event", "auth.missing_did").Str("path", r.URL.Path).
				Msg("request without encoder DID")
			metrics.AuthFailures.WithLabelValues("missing_did").Inc()
			writeAPIError(w, ErrInvalidRequest)
			return
		}

		enc, err := s.registry.Lookup(r.Context(), did)
		if err != nil {
			logger.Error().Err(err).Str("event", "auth.lookup_failed").Str("encoder_did", did).
				Msg("registry lookup failed")
			writeAPIError(w, ErrInternal)
			return
		}
		if enc == nil {
			logger.Warn().Str("event", "auth.unknown_did").Str("encoder_did", did).
				Msg("unregistered encoder DID")
			metrics.AuthFailures.WithLabelValues("not_authorized").Inc()
			writeAPIError(w, ErrEncoderNotAuthorized)
			return
		}
		if !enc.IsActive {
			logger.Warn().Str("event", "auth.inactive").Str("encoder_did", did).
				Msg("deactivated encoder DID")
			metrics.AuthFailures.WithLabelValues("inactive").Inc()
			writeAPIError(w, ErrEncoderInactive)
			return
		}

		// Best-effort bookkeeping; an authorized request must not fail on it.
		_ = s.registry.TouchLastSeen(r.Context(), did, time.Now())

		ctx := context.WithValue(r.Context(), ctxEncoderKey{}, enc)
		ctx = log.ContextWithEncoderDID(ctx, did)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// peekBodyDID extracts the legacy encoder_did body field without consuming
// the body for downstream handlers.
func (s *Server) peekBodyDID(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAuthPeekBytes))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var probe struct {
		EncoderDID string `json:"encoder_did"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.EncoderDID
}
