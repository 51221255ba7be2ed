// SPDX-License-Identifier: MIT

package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodway/aidgate/internal/cache"
)

func newDirectoryServer(t *testing.T, nodes map[string]Node) (*httptest.Server, *int) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls int
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()

		did := r.URL.Path[len("/api/v0/nodes/"):]
		node, ok := nodes[did]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(node))
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func TestLookupCachesIndefinitely(t *testing.T) {
	ts, calls := newDirectoryServer(t, map[string]Node{
		"did:key:a": {DID: "did:key:a", Name: "rack-1", Owner: "ops"},
	})
	d := New(ts.URL, cache.NewMemory(0), zerolog.Nop())
	ctx := context.Background()

	node, err := d.Lookup(ctx, "did:key:a")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "rack-1", node.Name)

	for i := 0; i < 5; i++ {
		_, err := d.Lookup(ctx, "did:key:a")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, *calls, "hits are served from cache")
}

func TestLookupUnknownDIDReturnsNil(t *testing.T) {
	ts, _ := newDirectoryServer(t, nil)
	d := New(ts.URL, cache.NewMemory(0), zerolog.Nop())

	node, err := d.Lookup(context.Background(), "did:key:ghost")
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestRefreshBypassesCache(t *testing.T) {
	nodes := map[string]Node{
		"did:key:a": {DID: "did:key:a", Name: "old-name"},
	}
	ts, calls := newDirectoryServer(t, nodes)
	d := New(ts.URL, cache.NewMemory(0), zerolog.Nop())
	ctx := context.Background()

	_, err := d.Lookup(ctx, "did:key:a")
	require.NoError(t, err)

	nodes["did:key:a"] = Node{DID: "did:key:a", Name: "new-name"}
	node, err := d.Refresh(ctx, "did:key:a")
	require.NoError(t, err)
	assert.Equal(t, "new-name", node.Name)
	assert.Equal(t, 2, *calls)

	// The refreshed descriptor replaced the cached copy.
	node, err = d.Lookup(ctx, "did:key:a")
	require.NoError(t, err)
	assert.Equal(t, "new-name", node.Name)
	assert.Equal(t, 2, *calls)
}

func TestDisplayNameFallsBackToDID(t *testing.T) {
	ts, _ := newDirectoryServer(t, map[string]Node{
		"did:key:named":   {DID: "did:key:named", Name: "rack-7"},
		"did:key:unnamed": {DID: "did:key:unnamed"},
	})
	d := New(ts.URL, cache.NewMemory(0), zerolog.Nop())
	ctx := context.Background()

	assert.Equal(t, "rack-7", d.DisplayName(ctx, "did:key:named"))
	assert.Equal(t, "did:key:unnamed", d.DisplayName(ctx, "did:key:unnamed"))
	assert.Equal(t, "did:key:ghost", d.DisplayName(ctx, "did:key:ghost"))
}

func TestEmptyBaseURLAlwaysMisses(t *testing.T) {
	d := New("", cache.NewMemory(0), zerolog.Nop())

	node, err := d.Lookup(context.Background(), "did:key:a")
	require.NoError(t, err)
	assert.Nil(t, node)
	assert.Equal(t, "did:key:a", d.DisplayName(context.Background(), "did:key:a"))
}

func TestDecodeNodeToleratesMapForm(t *testing.T) {
	// Cache backends that round-trip through JSON hand back generic maps.
	node := decodeNode(map[string]any{"did": "did:key:a", "name": "rack-1"})
	require.NotNil(t, node)
	assert.Equal(t, "rack-1", node.Name)

	assert.Nil(t, decodeNode("not json"))
	assert.Nil(t, decodeNode(map[string]any{"name": "missing-did"}))
}
