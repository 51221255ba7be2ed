// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAggregation(t *testing.T) {
	m := NewManager("test")

	resp := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status, "no checkers means healthy")

	m.RegisterChecker(NewFuncChecker("ok", func(context.Context) error { return nil }))
	resp = m.Check(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)

	m.RegisterChecker(NewFuncChecker("broken", func(context.Context) error {
		return errors.New("store down")
	}))
	resp = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "store down", resp.Checks["broken"].Error)
	assert.Equal(t, StatusHealthy, resp.Checks["ok"].Status)
}

func TestFileChecker(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, StatusHealthy, NewFileChecker("optional", "").Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewFileChecker("missing", filepath.Join(dir, "nope")).Check(context.Background()).Status)
	assert.Equal(t, StatusUnhealthy, NewFileChecker("dir", dir).Check(context.Background()).Status)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	assert.Equal(t, StatusDegraded, NewFileChecker("empty", empty).Check(context.Background()).Status)

	full := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(full, []byte("encoders: []\n"), 0o600))
	assert.Equal(t, StatusHealthy, NewFileChecker("full", full).Check(context.Background()).Status)
}

func TestServeReady(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(NewFuncChecker("ok", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/aid/v1/ready", nil))
	assert.Equal(t, 200, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)

	m.RegisterChecker(NewFuncChecker("down", func(context.Context) error { return errors.New("nope") }))
	rec = httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/aid/v1/ready", nil))
	assert.Equal(t, 503, rec.Code)
}
