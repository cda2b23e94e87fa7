package persist

import (
	"context"

	"github.com/dkirby-ms/tilemud/internal/moderation"
)

// GuildRepo persists guilds and their memberships. Implements
// moderation.GuildStore: DB first, memory second.
type GuildRepo struct {
	db *DB
}

func NewGuildRepo(db *DB) *GuildRepo {
	return &GuildRepo{db: db}
}

// SaveGuild upserts the guild row and reconciles its member rows in a
// single transaction.
func (r *GuildRepo) SaveGuild(ctx context.Context, g moderation.Guild) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO guilds (id, name, leader_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = $2, leader_id = $3`,
		g.ID, g.Name, g.LeaderID, g.CreatedAt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM guild_members WHERE guild_id = $1`, g.ID)
	if err != nil {
		return err
	}
	for member := range g.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO guild_members (guild_id, character_id)
			 VALUES ($1, $2)`, g.ID, member); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// DeleteGuild removes a guild and all its members in a single transaction.
func (r *GuildRepo) DeleteGuild(ctx context.Context, guildID string) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM guild_members WHERE guild_id = $1`, guildID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM guilds WHERE id = $1`, guildID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// LoadAll loads all guilds and their members. Called at server startup.
func (r *GuildRepo) LoadAll(ctx context.Context) ([]moderation.Guild, error) {
	guildRows, err := r.db.Pool.Query(ctx,
		`SELECT id, name, leader_id, created_at FROM guilds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer guildRows.Close()

	byID := make(map[string]*moderation.Guild)
	var order []string
	for guildRows.Next() {
		var g moderation.Guild
		if err := guildRows.Scan(&g.ID, &g.Name, &g.LeaderID, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Members = make(map[string]struct{})
		byID[g.ID] = &g
		order = append(order, g.ID)
	}
	if err := guildRows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := r.db.Pool.Query(ctx,
		`SELECT guild_id, character_id FROM guild_members ORDER BY guild_id, character_id`)
	if err != nil {
		return nil, err
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var guildID, characterID string
		if err := memberRows.Scan(&guildID, &characterID); err != nil {
			return nil, err
		}
		if g, ok := byID[guildID]; ok {
			g.Members[characterID] = struct{}{}
		}
	}
	if err := memberRows.Err(); err != nil {
		return nil, err
	}

	out := make([]moderation.Guild, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
