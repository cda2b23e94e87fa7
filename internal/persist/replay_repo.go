package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/dkirby-ms/tilemud/internal/replay"
)

// ReplayRepo persists replay event batches and final metadata. Implements
// replay.Store. Batches commit atomically: a half-written batch would break
// the gap-free sequence guarantee on read.
type ReplayRepo struct {
	db *DB
}

func NewReplayRepo(db *DB) *ReplayRepo {
	return &ReplayRepo{db: db}
}

// AppendBatch writes one flushed batch in a single transaction.
func (r *ReplayRepo) AppendBatch(ctx context.Context, replayID string, events []replay.Event) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replay batch begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO replay_events (replay_id, seq, occurred_at, event_type, player_id, data, metadata)
			 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
			replayID, e.Seq, e.Timestamp, e.Type, e.PlayerID, []byte(e.Data), []byte(e.Metadata),
		); err != nil {
			return fmt.Errorf("replay batch insert: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Finalize seals the replay's metadata row.
func (r *ReplayRepo) Finalize(ctx context.Context, replayID string, eventCount uint64, byteSize int64, expiresAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO replays (id, event_count, byte_size, sealed_at, expires_at)
		 VALUES ($1, $2, $3, NOW(), $4)
		 ON CONFLICT (id) DO UPDATE
		   SET event_count = $2, byte_size = $3, sealed_at = NOW(), expires_at = $4`,
		replayID, eventCount, byteSize, expiresAt)
	return err
}

// ReplayMeta is one sealed replay's metadata row.
type ReplayMeta struct {
	ID         string
	EventCount uint64
	ByteSize   int64
	SealedAt   time.Time
	ExpiresAt  time.Time
}

// Meta loads a replay's metadata.
func (r *ReplayRepo) Meta(ctx context.Context, replayID string) (*ReplayMeta, error) {
	m := &ReplayMeta{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, event_count, byte_size, sealed_at, expires_at
		 FROM replays WHERE id = $1`, replayID,
	).Scan(&m.ID, &m.EventCount, &m.ByteSize, &m.SealedAt, &m.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Events streams a replay back in sequence order.
func (r *ReplayRepo) Events(ctx context.Context, replayID string) ([]replay.Event, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT seq, occurred_at, event_type, COALESCE(player_id, ''), data, metadata
		 FROM replay_events WHERE replay_id = $1 ORDER BY seq`, replayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []replay.Event
	for rows.Next() {
		var e replay.Event
		if err := rows.Scan(&e.Seq, &e.Timestamp, &e.Type, &e.PlayerID, &e.Data, &e.Metadata); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeExpired deletes replays past retention. Returns the number removed.
func (r *ReplayRepo) PurgeExpired(ctx context.Context) (int64, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM replay_events WHERE replay_id IN
		   (SELECT id FROM replays WHERE expires_at < NOW())`); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM replays WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
