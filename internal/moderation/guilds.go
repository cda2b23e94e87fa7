package moderation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrGuildNotFound  = errors.New("guild not found")
	ErrGuildNameTaken = errors.New("guild name taken")
	ErrAlreadyMember  = errors.New("character already in a guild")
	ErrNotMember      = errors.New("character not in guild")
)

// Guild is one player association. Membership is by character id.
type Guild struct {
	ID        string
	Name      string
	LeaderID  string
	Members   map[string]struct{}
	CreatedAt time.Time
}

// GuildStore is the persistence seam for guild mutations.
type GuildStore interface {
	SaveGuild(ctx context.Context, g Guild) error
	DeleteGuild(ctx context.Context, guildID string) error
}

// GuildRegistry is the in-memory guild table with write-through to the
// store when one is attached.
type GuildRegistry struct {
	mu     sync.Mutex
	guilds map[string]*Guild
	byName map[string]string
	byChar map[string]string

	store GuildStore
	now   func() time.Time
	log   *zap.Logger
}

func NewGuildRegistry(store GuildStore, log *zap.Logger) *GuildRegistry {
	return &GuildRegistry{
		guilds: make(map[string]*Guild),
		byName: make(map[string]string),
		byChar: make(map[string]string),
		store:  store,
		now:    time.Now,
		log:    log.Named("guilds"),
	}
}

// SetClock overrides the registry clock. Test use only.
func (r *GuildRegistry) SetClock(now func() time.Time) { r.now = now }

// Restore loads persisted guilds into the registry at startup. It does
// not write back to the store.
func (r *GuildRegistry) Restore(gs []Guild) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range gs {
		g := gs[i]
		members := make(map[string]struct{}, len(g.Members))
		for m := range g.Members {
			members[m] = struct{}{}
			r.byChar[m] = g.ID
		}
		g.Members = members
		r.guilds[g.ID] = &g
		r.byName[g.Name] = g.ID
	}
}

// Create founds a guild with the leader as first member.
func (r *GuildRegistry) Create(ctx context.Context, name, leaderID string) (Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[name]; taken {
		return Guild{}, ErrGuildNameTaken
	}
	if _, in := r.byChar[leaderID]; in {
		return Guild{}, ErrAlreadyMember
	}
	g := &Guild{
		ID:        uuid.NewString(),
		Name:      name,
		LeaderID:  leaderID,
		Members:   map[string]struct{}{leaderID: {}},
		CreatedAt: r.now(),
	}
	r.guilds[g.ID] = g
	r.byName[name] = g.ID
	r.byChar[leaderID] = g.ID
	if r.store != nil {
		if err := r.store.SaveGuild(ctx, snapshotGuild(g)); err != nil {
			r.log.Error("guild save failed", zap.String("guild", g.ID), zap.Error(err))
		}
	}
	r.log.Info("guild founded", zap.String("guild", g.ID), zap.String("name", name))
	return snapshotGuild(g), nil
}

// Get returns a copy of the guild.
func (r *GuildRegistry) Get(guildID string) (Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return Guild{}, ErrGuildNotFound
	}
	return snapshotGuild(g), nil
}

// ByName looks a guild up by its unique name.
func (r *GuildRegistry) ByName(name string) (Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byName[name]
	if !ok {
		return Guild{}, ErrGuildNotFound
	}
	return snapshotGuild(r.guilds[id]), nil
}

// GuildOf returns the guild id a character belongs to, if any.
func (r *GuildRegistry) GuildOf(characterID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byChar[characterID]
	return id, ok
}

// AddMember joins a character to a guild. A character holds at most one
// membership.
func (r *GuildRegistry) AddMember(ctx context.Context, guildID, characterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return ErrGuildNotFound
	}
	if _, in := r.byChar[characterID]; in {
		return ErrAlreadyMember
	}
	g.Members[characterID] = struct{}{}
	r.byChar[characterID] = guildID
	if r.store != nil {
		if err := r.store.SaveGuild(ctx, snapshotGuild(g)); err != nil {
			r.log.Error("guild save failed", zap.String("guild", guildID), zap.Error(err))
		}
	}
	return nil
}

// RemoveMember drops a character from its guild.
func (r *GuildRegistry) RemoveMember(ctx context.Context, guildID, characterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return ErrGuildNotFound
	}
	if _, in := g.Members[characterID]; !in {
		return ErrNotMember
	}
	delete(g.Members, characterID)
	delete(r.byChar, characterID)
	if r.store != nil {
		if err := r.store.SaveGuild(ctx, snapshotGuild(g)); err != nil {
			r.log.Error("guild save failed", zap.String("guild", guildID), zap.Error(err))
		}
	}
	return nil
}

// Dissolve removes the guild and returns its final member list so the
// caller can notify them.
func (r *GuildRegistry) Dissolve(ctx context.Context, guildID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return nil, ErrGuildNotFound
	}
	members := make([]string, 0, len(g.Members))
	for m := range g.Members {
		members = append(members, m)
		delete(r.byChar, m)
	}
	delete(r.byName, g.Name)
	delete(r.guilds, guildID)
	if r.store != nil {
		if err := r.store.DeleteGuild(ctx, guildID); err != nil {
			r.log.Error("guild delete failed", zap.String("guild", guildID), zap.Error(err))
		}
	}
	r.log.Info("guild dissolved", zap.String("guild", guildID), zap.Int("members", len(members)))
	return members, nil
}

// Members returns the member ids of a guild.
func (r *GuildRegistry) Members(guildID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[guildID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.Members))
	for m := range g.Members {
		out = append(out, m)
	}
	return out
}

func snapshotGuild(g *Guild) Guild {
	out := *g
	out.Members = make(map[string]struct{}, len(g.Members))
	for m := range g.Members {
		out.Members[m] = struct{}{}
	}
	return out
}
