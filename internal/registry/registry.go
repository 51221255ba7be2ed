// SPDX-License-Identifier: MIT

// Package registry holds the local encoder identity registry. A DID passes
// authorization iff it resolves to an active row here; no signature is
// verified.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vodway/aidgate/internal/persistence/sqlite"
)

const schemaVersion = 1

// Encoder is a registered encoder identity.
type Encoder struct {
	DID       string     `json:"encoder_id"`
	Name      string     `json:"name"`
	Owner     string     `json:"owner"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// Registry is a SQLite-backed encoder registry. Reads are concurrent-safe;
// writes go through admin operations and the seed importer only.
type Registry struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open initializes the registry at the given path. Registry startup is
// synchronous and must succeed; the daemon refuses to boot without it.
func Open(path string, logger zerolog.Logger) (*Registry, error) {
	db, err := sqlite.Open(path, sqlite.Config{BusyTimeout: 5 * time.Second, MaxOpenConns: 4})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r := &Registry{db: db, logger: logger.With().Str("component", "registry").Logger()}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: migration failed: %w", err)
	}
	return r, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Ping probes the underlying database.
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Registry) migrate() error {
	var current int
	if err := r.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS encoders (
		encoder_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at_ms INTEGER NOT NULL,
		last_seen_ms INTEGER
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Lookup resolves a DID to its encoder record, or nil when unregistered.
func (r *Registry) Lookup(ctx context.Context, did string) (*Encoder, error) {
	var (
		e         Encoder
		active    int
		createdMS int64
		seenMS    sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT encoder_id, name, owner, is_active, created_at_ms, last_seen_ms
		FROM encoders WHERE encoder_id = ?`, did).
		Scan(&e.DID, &e.Name, &e.Owner, &active, &createdMS, &seenMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: lookup %s: %w", did, err)
	}
	e.IsActive = active != 0
	e.CreatedAt = time.UnixMilli(createdMS).UTC()
	if seenMS.Valid {
		t := time.UnixMilli(seenMS.Int64).UTC()
		e.LastSeen = &t
	}
	return &e, nil
}

// Upsert creates or updates an encoder row. Admin operation.
func (r *Registry) Upsert(ctx context.Context, e *Encoder) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO encoders (encoder_id, name, owner, is_active, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(encoder_id) DO UPDATE SET
			name = excluded.name,
			owner = excluded.owner,
			is_active = excluded.is_active`,
		e.DID, e.Name, e.Owner, boolToInt(e.IsActive), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", e.DID, err)
	}
	return nil
}

// SetActive flips the activation flag for a DID.
func (r *Registry) SetActive(ctx context.Context, did string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE encoders SET is_active = ? WHERE encoder_id = ?`, boolToInt(active), did)
	if err != nil {
		return fmt.Errorf("registry: set active %s: %w", did, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("registry: set active %s: not found", did)
	}
	return nil
}

// TouchLastSeen stamps the last successful authorization for a DID.
// Best-effort bookkeeping; failures are swallowed by callers.
func (r *Registry) TouchLastSeen(ctx context.Context, did string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE encoders SET last_seen_ms = ? WHERE encoder_id = ?`, now.UnixMilli(), did)
	return err
}

// List returns all registered encoders ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]*Encoder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT encoder_id, name, owner, is_active, created_at_ms, last_seen_ms
		FROM encoders ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Encoder
	for rows.Next() {
		var (
			e         Encoder
			active    int
			createdMS int64
			seenMS    sql.NullInt64
		)
		if err := rows.Scan(&e.DID, &e.Name, &e.Owner, &active, &createdMS, &seenMS); err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		e.IsActive = active != 0
		e.CreatedAt = time.UnixMilli(createdMS).UTC()
		if seenMS.Valid {
			t := time.UnixMilli(seenMS.Int64).UTC()
			e.LastSeen = &t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
