package persist

import (
	"context"
	"errors"
	"time"

	"github.com/dkirby-ms/tilemud/internal/moderation"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// ModeratorRepo loads and provisions operator accounts.
type ModeratorRepo struct {
	db *DB
}

func NewModeratorRepo(db *DB) *ModeratorRepo {
	return &ModeratorRepo{db: db}
}

// ModeratorByUsername implements moderation.ModeratorStore.
func (r *ModeratorRepo) ModeratorByUsername(ctx context.Context, username string) (moderation.Moderator, error) {
	var m moderation.Moderator
	var role string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, username, password_hash, role
		 FROM moderators WHERE username = $1 AND disabled_at IS NULL`, username,
	).Scan(&m.ID, &m.Username, &m.PasswordHash, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return moderation.Moderator{}, moderation.ErrUnauthorized
	}
	if err != nil {
		return moderation.Moderator{}, err
	}
	m.Role = moderation.Role(role)
	return m, nil
}

// Create provisions a moderator account with a bcrypt password hash.
func (r *ModeratorRepo) Create(ctx context.Context, id, username, rawPassword string, role moderation.Role) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO moderators (id, username, password_hash, role)
		 VALUES ($1, $2, $3, $4)`,
		id, username, string(hash), string(role))
	return err
}

// Disable soft-deletes a moderator account.
func (r *ModeratorRepo) Disable(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE moderators SET disabled_at = NOW() WHERE id = $1`, id)
	return err
}

// TouchLastLogin records a successful authentication.
func (r *ModeratorRepo) TouchLastLogin(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE moderators SET last_login_at = $2 WHERE id = $1`, id, time.Now())
	return err
}
