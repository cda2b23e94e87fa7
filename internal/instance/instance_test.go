package instance

import (
	"testing"

	"github.com/dkirby-ms/tilemud/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCapacityByModeAndTier(t *testing.T) {
	assert.Equal(t, 8, Capacity(ModeBattle, TierStandard))
	assert.Equal(t, 16, Capacity(ModeBattle, TierLarge))
	assert.Equal(t, 80, Capacity(ModeArena, TierTutorial))
	assert.Equal(t, 160, Capacity(ModeArena, TierSkirmish))
	assert.Equal(t, 300, Capacity(ModeArena, TierEpic))
}

func TestCreateRejectsMismatchedTier(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, err := r.Create(ModeBattle, TierEpic, "local", "", rules.VersionStamp{})
	assert.ErrorIs(t, err, ErrBadTier)

	_, err = r.Create(ModeArena, TierLarge, "local", "", rules.VersionStamp{})
	assert.ErrorIs(t, err, ErrBadTier)
}

func TestTransitionsAreForwardOnly(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	inst, err := r.Create(ModeBattle, TierStandard, "local", "", rules.VersionStamp{})
	require.NoError(t, err)

	// pending -> resolved is not allowed.
	assert.ErrorIs(t, r.Transition(inst.ID, StateResolved), ErrBadTransition)

	require.NoError(t, r.Transition(inst.ID, StateActive))
	got, _ := r.Get(inst.ID)
	assert.False(t, got.StartedAt.IsZero())

	require.NoError(t, r.Transition(inst.ID, StateResolved))
	got, _ = r.Get(inst.ID)
	assert.True(t, got.Terminal())
	assert.False(t, got.EndedAt.IsZero())

	// Terminal states never move again.
	assert.ErrorIs(t, r.Transition(inst.ID, StateActive), ErrTerminal)
	assert.ErrorIs(t, r.Transition(inst.ID, StateAborted), ErrTerminal)
}

func TestPendingMayAbortDirectly(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	inst, _ := r.Create(ModeArena, TierSkirmish, "local", "", rules.VersionStamp{})

	require.NoError(t, r.Transition(inst.ID, StateAborted))
	got, _ := r.Get(inst.ID)
	assert.Equal(t, StateAborted, got.State)
}

func TestRuleStampIsImmutableOnSnapshot(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	stamp := rules.VersionStamp{Type: rules.TypeBattle, ID: "cfg-1", Version: "1.0.0"}
	inst, _ := r.Create(ModeBattle, TierStandard, "local", "", stamp)

	snap, _ := r.Get(inst.ID)
	snap.RuleStamp.Version = "9.9.9"

	again, _ := r.Get(inst.ID)
	assert.Equal(t, "1.0.0", again.RuleStamp.Version)
}

func TestDrainAndInitialHumans(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	inst, _ := r.Create(ModeArena, TierTutorial, "local", "", rules.VersionStamp{})

	require.NoError(t, r.SetInitialHumans(inst.ID, 42))
	require.NoError(t, r.SetDrain(inst.ID, true))

	got, _ := r.Get(inst.ID)
	assert.Equal(t, 42, got.InitialHumanCount)
	assert.True(t, got.DrainMode)

	assert.ErrorIs(t, r.SetDrain("missing", true), ErrNotFound)
}
