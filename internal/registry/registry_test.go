// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestLookupUnknownDID(t *testing.T) {
	r := newTestRegistry(t)

	e, err := r.Lookup(context.Background(), "did:key:unknown")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestUpsertAndLookup(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &Encoder{
		DID:      "did:key:enc1",
		Name:     "rack-3-encoder",
		Owner:    "ops",
		IsActive: true,
	}))

	e, err := r.Lookup(ctx, "did:key:enc1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "rack-3-encoder", e.Name)
	assert.Equal(t, "ops", e.Owner)
	assert.True(t, e.IsActive)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Nil(t, e.LastSeen)

	// Re-upsert updates mutable fields, keeps the row.
	require.NoError(t, r.Upsert(ctx, &Encoder{DID: "did:key:enc1", Name: "renamed", IsActive: false}))
	e, err = r.Lookup(ctx, "did:key:enc1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", e.Name)
	assert.False(t, e.IsActive)
}

func TestSetActive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &Encoder{DID: "did:key:enc1", IsActive: true}))
	require.NoError(t, r.SetActive(ctx, "did:key:enc1", false))

	e, err := r.Lookup(ctx, "did:key:enc1")
	require.NoError(t, err)
	assert.False(t, e.IsActive)

	assert.Error(t, r.SetActive(ctx, "did:key:ghost", true))
}

func TestTouchLastSeen(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &Encoder{DID: "did:key:enc1", IsActive: true}))
	stamp := time.Now()
	require.NoError(t, r.TouchLastSeen(ctx, "did:key:enc1", stamp))

	e, err := r.Lookup(ctx, "did:key:enc1")
	require.NoError(t, err)
	require.NotNil(t, e.LastSeen)
	assert.Equal(t, stamp.UnixMilli(), e.LastSeen.UnixMilli())
}

func TestList(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Upsert(ctx, &Encoder{DID: "did:key:a", CreatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, r.Upsert(ctx, &Encoder{DID: "did:key:b", CreatedAt: time.Now()}))

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "did:key:a", all[0].DID, "ordered by creation time")
}

func TestImportSeed(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	seed := `
encoders:
  - did: did:key:enc1
    name: rack-1
    owner: ops
  - did: did:key:enc2
    name: rack-2
    active: false
  - name: no-did-entry
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	require.NoError(t, r.ImportSeed(ctx, path))

	e1, err := r.Lookup(ctx, "did:key:enc1")
	require.NoError(t, err)
	require.NotNil(t, e1)
	assert.True(t, e1.IsActive, "active defaults to true")

	e2, err := r.Lookup(ctx, "did:key:enc2")
	require.NoError(t, err)
	require.NotNil(t, e2)
	assert.False(t, e2.IsActive)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2, "entries without a DID are skipped")
}

func TestImportSeedBadFile(t *testing.T) {
	r := newTestRegistry(t)

	assert.Error(t, r.ImportSeed(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("encoders: {not-a-list"), 0o600))
	assert.Error(t, r.ImportSeed(context.Background(), path))
}

func TestWatchSeedReimportsOnWrite(t *testing.T) {
	r := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("encoders:\n  - did: did:key:a\n"), 0o600))
	require.NoError(t, r.ImportSeed(ctx, path))
	require.NoError(t, r.WatchSeed(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("encoders:\n  - did: did:key:a\n  - did: did:key:b\n"), 0o600))

	require.Eventually(t, func() bool {
		e, err := r.Lookup(ctx, "did:key:b")
		return err == nil && e != nil
	}, 5*time.Second, 50*time.Millisecond, "watcher should re-import the seed file")
}
