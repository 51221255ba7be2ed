// SPDX-License-Identifier: MIT

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemorySetGet(t *testing.T) {
	c := NewMemory(0)
	defer c.Stop()

	_, found := c.Get("missing")
	assert.False(t, found)

	c.Set("k", "v", 0)
	v, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, "v", v)

	c.Delete("k")
	_, found = c.Get("k")
	assert.False(t, found)
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	c := NewMemory(0)
	defer c.Stop()

	c.Set("forever", 42, 0)
	time.Sleep(20 * time.Millisecond)
	v, found := c.Get("forever")
	require.True(t, found)
	assert.Equal(t, 42, v)
}

func TestMemoryExpiration(t *testing.T) {
	c := NewMemory(0)
	defer c.Stop()

	c.Set("short", "v", 10*time.Millisecond)
	_, found := c.Get("short")
	require.True(t, found)

	time.Sleep(25 * time.Millisecond)
	_, found = c.Get("short")
	assert.False(t, found)
}

func TestMemoryJanitorEvicts(t *testing.T) {
	c := NewMemory(10 * time.Millisecond)
	defer c.Stop()

	c.Set("short", "v", 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Stats().Evictions >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStats(t *testing.T) {
	c := NewMemory(0)
	defer c.Stop()

	c.Set("a", 1, 0)
	c.Get("a")
	c.Get("a")
	c.Get("nope")

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Sets)
	assert.Equal(t, 1, stats.CurrentSize)
}
