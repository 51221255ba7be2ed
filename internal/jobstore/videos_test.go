// SPDX-License-Identifier: MIT

package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetVideoAbsent(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetVideo(context.Background(), "alice", "my-video")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPublishVideoV2OnlyWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertVideo(ctx, &VideoRecord{
		Owner:    "alice",
		Permlink: "my-video",
		Status:   VideoStatusPublished,
		Created:  time.Now().UTC(),
	}))

	ok, err := s.PublishVideoV2(ctx, "alice", "my-video", "ipfs://bafy-a/manifest.m3u8")
	require.NoError(t, err)
	require.True(t, ok)

	// The field is now set; a second write must not overwrite it.
	ok, err = s.PublishVideoV2(ctx, "alice", "my-video", "ipfs://bafy-b/manifest.m3u8")
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.GetVideo(ctx, "alice", "my-video")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "ipfs://bafy-a/manifest.m3u8", v.VideoV2)
	assert.Equal(t, VideoStatusPublished, v.Status)
}

func TestPublishVideoV2MissingRecord(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.PublishVideoV2(context.Background(), "bob", "ghost", "ipfs://bafy/manifest.m3u8")
	require.NoError(t, err)
	assert.False(t, ok)
}
