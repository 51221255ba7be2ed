// SPDX-License-Identifier: MIT

// Package cluster caches encoder descriptors from the remote cluster node
// directory. Hits are cached indefinitely; misses fall through to the remote
// source; Refresh forces a re-fetch.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vodway/aidgate/internal/cache"
)

// Node is the fleet-wide encoder descriptor used for display.
type Node struct {
	DID      string `json:"did"`
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Endpoint string `json:"endpoint,omitempty"`
	Region   string `json:"region,omitempty"`
}

// Directory resolves encoder DIDs against the remote node directory.
type Directory struct {
	baseURL string
	client  *http.Client
	cache   cache.Cache
	group   singleflight.Group
	logger  zerolog.Logger
}

// New creates a directory client. baseURL may be empty, in which case every
// lookup misses and returns nil.
func New(baseURL string, c cache.Cache, logger zerolog.Logger) *Directory {
	return &Directory{
		baseURL: baseURL,
		// Per-attempt deadline well below the timeout monitor's interval so a
		// stuck directory call can never starve a tick.
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  c,
		logger: logger.With().Str("component", "cluster").Logger(),
	}
}

func cacheKey(did string) string {
	return "cluster:node:" + did
}

// Lookup returns the descriptor for a DID, consulting the cache first.
// Returns nil without error when the directory does not know the DID or no
// directory is configured.
func (d *Directory) Lookup(ctx context.Context, did string) (*Node, error) {
	if raw, ok := d.cache.Get(cacheKey(did)); ok {
		if node := decodeNode(raw); node != nil {
			return node, nil
		}
	}
	return d.fetchShared(ctx, did)
}

// Refresh bypasses the cache and re-fetches the descriptor from the remote
// directory, overwriting any cached copy.
func (d *Directory) Refresh(ctx context.Context, did string) (*Node, error) {
	d.cache.Delete(cacheKey(did))
	return d.fetchShared(ctx, did)
}

// fetchShared coalesces concurrent fetches for the same DID.
func (d *Directory) fetchShared(ctx context.Context, did string) (*Node, error) {
	v, err, _ := d.group.Do(did, func() (any, error) {
		return d.fetch(ctx, did)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*Node), nil
}

func (d *Directory) fetch(ctx context.Context, did string) (*Node, error) {
	if d.baseURL == "" {
		return nil, nil
	}
	endpoint := fmt.Sprintf("%s/api/v0/nodes/%s", d.baseURL, url.PathEscape(did))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("cluster: build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cluster: fetch node %s: %w", did, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("cluster: fetch node %s: unexpected status %d", did, resp.StatusCode)
	}

	var node Node
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		return nil, fmt.Errorf("cluster: decode node %s: %w", did, err)
	}
	if node.DID == "" {
		node.DID = did
	}

	if data, err := json.Marshal(node); err == nil {
		d.cache.Set(cacheKey(did), string(data), 0) // cached indefinitely
	}

	d.logger.Debug().Str("event", "cluster.node.fetched").Str("did", did).Str("name", node.Name).
		Msg("fetched node descriptor from directory")
	return &node, nil
}

// DisplayName returns a human label for a DID, best-effort. Falls back to the
// DID itself when the directory has no record or the lookup fails.
func (d *Directory) DisplayName(ctx context.Context, did string) string {
	node, err := d.Lookup(ctx, did)
	if err != nil {
		d.logger.Debug().Err(err).Str("did", did).Msg("directory lookup failed")
		return did
	}
	if node == nil || node.Name == "" {
		return did
	}
	return node.Name
}

// decodeNode tolerates both the string form written by this package and the
// generic map form returned by JSON-roundtripping cache backends.
func decodeNode(raw any) *Node {
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		data = b
	}
	var node Node
	if err := json.Unmarshal(data, &node); err != nil || node.DID == "" {
		return nil
	}
	return &node
}
