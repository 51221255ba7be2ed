// SPDX-License-Identifier: MIT

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodway/aidgate/internal/registry"
)

func newTestServer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	svc, store, _ := newTestService(t)

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	require.NoError(t, reg.Upsert(context.Background(), &registry.Encoder{
		DID: "did:key:active", Name: "rack-1", IsActive: true,
	}))
	require.NoError(t, reg.Upsert(context.Background(), &registry.Encoder{
		DID: "did:key:sleeping", Name: "rack-2", IsActive: false,
	}))

	seedJob(t, store, "job-1")

	srv := NewServer(svc, reg, "test", zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, reg
}

func postJSON(t *testing.T, ts *httptest.Server, path, did string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if did != "" {
		req.Header.Set(DIDHeader, did)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthEndpointIsPublic(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/aid/v1/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["store_connected"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAuthRejectsMissingUnknownAndInactiveDIDs(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts, "/aid/v1/list-jobs", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])

	resp, body = postJSON(t, ts, "/aid/v1/list-jobs", "did:key:stranger", map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ENCODER_NOT_AUTHORIZED", body["code"])

	resp, body = postJSON(t, ts, "/aid/v1/list-jobs", "did:key:sleeping", map[string]any{})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ENCODER_INACTIVE", body["code"])
}

func TestAuthAcceptsLegacyBodyDID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts, "/aid/v1/list-jobs", "", map[string]any{
		"encoder_did": "did:key:active",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
}

func TestHeaderDIDOverridesBodyField(t *testing.T) {
	ts, _ := newTestServer(t)

	// A valid body DID does not rescue an unknown header DID.
	resp, body := postJSON(t, ts, "/aid/v1/list-jobs", "did:key:stranger", map[string]any{
		"encoder_did": "did:key:active",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ENCODER_NOT_AUTHORIZED", body["code"])
}

func TestClaimFlowOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := postJSON(t, ts, "/aid/v1/list-jobs", "did:key:active", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["jobs"], 1)

	resp, body = postJSON(t, ts, "/aid/v1/claim-job", "did:key:active", map[string]any{"job_id": "job-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "did:key:active", body["assigned_to"])
	require.Contains(t, body, "job_details")

	resp, body = postJSON(t, ts, "/aid/v1/update-job", "did:key:active", map[string]any{
		"job_id": "job-1", "status": "running",
		"progress": map[string]any{"download_pct": 100, "pct": 30},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])

	resp, body = postJSON(t, ts, "/aid/v1/complete-job", "did:key:active", map[string]any{
		"job_id": "job-1", "result": map[string]any{"cid": "bafy-done"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["completed_at"])

	resp, body = postJSON(t, ts, "/aid/v1/get-job", "did:key:active", map[string]any{"job_id": "job-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["is_owned_by_requester"])
}

func TestClaimConflictOverHTTP(t *testing.T) {
	ts, reg := newTestServer(t)
	require.NoError(t, reg.Upsert(context.Background(), &registry.Encoder{
		DID: "did:key:rival", IsActive: true,
	}))

	resp, _ := postJSON(t, ts, "/aid/v1/claim-job", "did:key:active", map[string]any{"job_id": "job-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, ts, "/aid/v1/claim-job", "did:key:rival", map[string]any{"job_id": "job-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "JOB_ALREADY_ASSIGNED", body["code"])
	assert.Equal(t, false, body["success"])
}

func TestHijackAttemptGets404OverHTTP(t *testing.T) {
	ts, reg := newTestServer(t)
	require.NoError(t, reg.Upsert(context.Background(), &registry.Encoder{
		DID: "did:key:rival", IsActive: true,
	}))

	resp, _ := postJSON(t, ts, "/aid/v1/claim-job", "did:key:active", map[string]any{"job_id": "job-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The rival's update on a job it does not own looks like a missing job.
	resp, body := postJSON(t, ts, "/aid/v1/update-job", "did:key:rival", map[string]any{
		"job_id": "job-1", "status": "running",
		"progress": map[string]any{"pct": 99},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", body["code"])
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/aid/v1/claim-job", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set(DIDHeader, "did:key:active")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
