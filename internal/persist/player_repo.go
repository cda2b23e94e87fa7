package persist

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// PlayerRow represents a row from the players table.
type PlayerRow struct {
	ID          string
	UserID      string
	DisplayName string
	CreatedAt   time.Time
	LastSeenAt  *time.Time
}

// PlayerRepo handles player and block-list database operations.
type PlayerRepo struct {
	db *DB
}

func NewPlayerRepo(db *DB) *PlayerRepo {
	return &PlayerRepo{db: db}
}

func (r *PlayerRepo) Load(ctx context.Context, id string) (*PlayerRow, error) {
	row := &PlayerRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, user_id, display_name, created_at, last_seen_at
		 FROM players WHERE id = $1`, id,
	).Scan(&row.ID, &row.UserID, &row.DisplayName, &row.CreatedAt, &row.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *PlayerRepo) Create(ctx context.Context, id, userID, displayName string) (*PlayerRow, error) {
	now := time.Now()
	row := &PlayerRow{
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   now,
		LastSeenAt:  &now,
	}
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO players (id, user_id, display_name, last_seen_at)
		 VALUES ($1, $2, $3, $4)`,
		row.ID, row.UserID, row.DisplayName, row.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (r *PlayerRepo) TouchLastSeen(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE players SET last_seen_at = NOW() WHERE id = $1`, id)
	return err
}

// Block records a directed block edge. Idempotent.
func (r *PlayerRepo) Block(ctx context.Context, ownerID, blockedID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO player_blocks (owner_id, blocked_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		ownerID, blockedID)
	return err
}

// Unblock removes a directed block edge.
func (r *PlayerRepo) Unblock(ctx context.Context, ownerID, blockedID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM player_blocks WHERE owner_id = $1 AND blocked_id = $2`,
		ownerID, blockedID)
	return err
}

// IsBlocked answers one direction of the block relation. The blocklist
// cache asks both directions and caches the pair.
func (r *PlayerRepo) IsBlocked(ctx context.Context, ownerID, blockedID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM player_blocks WHERE owner_id = $1 AND blocked_id = $2
		 )`, ownerID, blockedID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// BlockedBy lists every owner blocking the given player.
func (r *PlayerRepo) BlockedBy(ctx context.Context, blockedID string) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT owner_id FROM player_blocks WHERE blocked_id = $1 ORDER BY owner_id`,
		blockedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}
