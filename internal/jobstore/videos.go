// SPDX-License-Identifier: MIT

package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VideoRecord is the downstream metadata row the healer repairs. The healer
// mutates exactly two fields: Status (to "published") and VideoV2.
type VideoRecord struct {
	Owner    string    `json:"owner"`
	Permlink string    `json:"permlink"`
	Status   string    `json:"status"`
	VideoV2  string    `json:"video_v2,omitempty"`
	Created  time.Time `json:"created"`
}

// VideoStatusPublished is the only status the healer writes.
const VideoStatusPublished = "published"

// GetVideo returns the video record for owner/permlink, or nil if absent.
func (s *Store) GetVideo(ctx context.Context, owner, permlink string) (*VideoRecord, error) {
	if !s.connected.Load() {
		return nil, ErrUnavailable
	}
	var (
		v         VideoRecord
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, permlink, status, video_v2, created_ms
		FROM videos WHERE owner = ? AND permlink = ?`, owner, permlink).
		Scan(&v.Owner, &v.Permlink, &v.Status, &v.VideoV2, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get video %s/%s: %w", owner, permlink, err)
	}
	v.Created = time.UnixMilli(createdMS).UTC()
	return &v, nil
}

// UpsertVideo writes a complete video record. Seeding and test entry point;
// production records are created by the primary pipeline.
func (s *Store) UpsertVideo(ctx context.Context, v *VideoRecord) error {
	if !s.connected.Load() {
		return ErrUnavailable
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO videos (owner, permlink, status, video_v2, created_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, permlink) DO UPDATE SET
			status = excluded.status,
			video_v2 = excluded.video_v2,
			created_ms = excluded.created_ms`,
		v.Owner, v.Permlink, v.Status, v.VideoV2, v.Created.UnixMilli())
	if err != nil {
		return fmt.Errorf("jobstore: upsert video %s/%s: %w", v.Owner, v.Permlink, err)
	}
	return nil
}

// PublishVideoV2 marks the record published and sets video_v2, conditional on
// the field still being empty. Returns false when no row matched, which makes
// repeated healer cycles no-ops.
func (s *Store) PublishVideoV2(ctx context.Context, owner, permlink, videoV2 string) (bool, error) {
	if !s.connected.Load() {
		return false, ErrUnavailable
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, video_v2 = ?
		WHERE owner = ? AND permlink = ? AND video_v2 = ''`,
		VideoStatusPublished, videoV2, owner, permlink)
	if err != nil {
		return false, fmt.Errorf("jobstore: publish video %s/%s: %w", owner, permlink, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("jobstore: publish video %s/%s rows: %w", owner, permlink, err)
	}
	return n > 0, nil
}
