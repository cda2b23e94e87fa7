package moderation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGuildCreate(t *testing.T) {
	r := NewGuildRegistry(nil, zap.NewNop())
	ctx := context.Background()

	g, err := r.Create(ctx, "The Tilers", "leader-1")
	require.NoError(t, err)
	assert.Equal(t, "leader-1", g.LeaderID)
	assert.Contains(t, g.Members, "leader-1")

	_, err = r.Create(ctx, "The Tilers", "leader-2")
	assert.ErrorIs(t, err, ErrGuildNameTaken)

	// The leader already belongs to a guild.
	_, err = r.Create(ctx, "Second Wind", "leader-1")
	assert.ErrorIs(t, err, ErrAlreadyMember)
}

func TestGuildMembership(t *testing.T) {
	r := NewGuildRegistry(nil, zap.NewNop())
	ctx := context.Background()

	g, err := r.Create(ctx, "The Tilers", "leader-1")
	require.NoError(t, err)
	other, err := r.Create(ctx, "Second Wind", "leader-2")
	require.NoError(t, err)

	require.NoError(t, r.AddMember(ctx, g.ID, "char-1"))
	assert.ErrorIs(t, r.AddMember(ctx, other.ID, "char-1"), ErrAlreadyMember)
	assert.ErrorIs(t, r.AddMember(ctx, "missing", "char-2"), ErrGuildNotFound)

	id, ok := r.GuildOf("char-1")
	require.True(t, ok)
	assert.Equal(t, g.ID, id)
	assert.ElementsMatch(t, []string{"leader-1", "char-1"}, r.Members(g.ID))

	require.NoError(t, r.RemoveMember(ctx, g.ID, "char-1"))
	assert.ErrorIs(t, r.RemoveMember(ctx, g.ID, "char-1"), ErrNotMember)
	_, ok = r.GuildOf("char-1")
	assert.False(t, ok)

	// Freed from the old guild, the character may join elsewhere.
	assert.NoError(t, r.AddMember(ctx, other.ID, "char-1"))
}

func TestGuildDissolveFreesNameAndMembers(t *testing.T) {
	r := NewGuildRegistry(nil, zap.NewNop())
	ctx := context.Background()

	g, err := r.Create(ctx, "The Tilers", "leader-1")
	require.NoError(t, err)
	require.NoError(t, r.AddMember(ctx, g.ID, "char-1"))

	members, err := r.Dissolve(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"leader-1", "char-1"}, members)

	_, ok := r.GuildOf("leader-1")
	assert.False(t, ok)

	// Both the name and the members are reusable.
	_, err = r.Create(ctx, "The Tilers", "leader-1")
	assert.NoError(t, err)
}

func TestGuildRestore(t *testing.T) {
	r := NewGuildRegistry(nil, zap.NewNop())

	r.Restore([]Guild{{
		ID:       "g-1",
		Name:     "The Tilers",
		LeaderID: "leader-1",
		Members:  map[string]struct{}{"leader-1": {}, "char-1": {}},
	}})

	g, err := r.Get("g-1")
	require.NoError(t, err)
	assert.Len(t, g.Members, 2)

	byName, err := r.ByName("The Tilers")
	require.NoError(t, err)
	assert.Equal(t, "g-1", byName.ID)

	id, ok := r.GuildOf("char-1")
	require.True(t, ok)
	assert.Equal(t, "g-1", id)
}
