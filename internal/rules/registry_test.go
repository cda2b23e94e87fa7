package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordedAudit struct {
	actions []string
}

func (r *recordedAudit) RecordAudit(_, action, _, _ string) {
	r.actions = append(r.actions, action)
}

func TestCreateValidation(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())

	_, err := r.Create(Type("weather"), "1.0.0", "tester", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = r.Create(TypeBattle, "v1", "tester", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrBadVersion)

	_, err = r.Create(TypeBattle, "1.0.0", "tester", nil)
	assert.ErrorIs(t, err, ErrEmptyConfig)

	cfg, err := r.Create(TypeBattle, "1.0.0", "tester", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.False(t, cfg.IsActive, "records start inactive")
	assert.NotEmpty(t, cfg.Checksum)

	_, err = r.Create(TypeBattle, "1.0.0", "tester", map[string]any{"y": 2})
	assert.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestActivateSwapsAtomically(t *testing.T) {
	audit := &recordedAudit{}
	r := NewRegistry(audit, zap.NewNop())

	v1, _ := r.Create(TypeArena, "1.0.0", "tester", map[string]any{"cap": 80})
	v2, _ := r.Create(TypeArena, "1.1.0", "tester", map[string]any{"cap": 160})

	require.NoError(t, r.Activate(v1.ID, "tester"))
	active, ok := r.Active(TypeArena)
	require.True(t, ok)
	assert.Equal(t, v1.ID, active.ID)

	require.NoError(t, r.Activate(v2.ID, "tester"))
	active, _ = r.Active(TypeArena)
	assert.Equal(t, v2.ID, active.ID)

	old, _ := r.Get(v1.ID)
	assert.False(t, old.IsActive, "previous active deactivated in the same swap")

	assert.ErrorIs(t, r.Activate(v2.ID, "tester"), ErrAlreadyActive)
	assert.ErrorIs(t, r.Activate("missing", "tester"), ErrNotFound)

	assert.Contains(t, audit.actions, "rule_config.create")
	assert.Contains(t, audit.actions, "rule_config.activate")
}

func TestActiveStampSurvivesLaterActivations(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	v1, _ := r.Create(TypeBattle, "1.0.0", "tester", map[string]any{"x": 1})
	require.NoError(t, r.Activate(v1.ID, "tester"))

	stamp, ok := r.ActiveStamp(TypeBattle)
	require.True(t, ok)

	v2, _ := r.Create(TypeBattle, "2.0.0", "tester", map[string]any{"x": 2})
	require.NoError(t, r.Activate(v2.ID, "tester"))

	// The stamp minted earlier keeps the old identity.
	assert.Equal(t, v1.ID, stamp.ID)
	assert.Equal(t, "1.0.0", stamp.Version)
}

func TestChecksumIsOrderIndependent(t *testing.T) {
	a := Checksum(map[string]any{"a": 1, "b": "two", "c": []any{1, 2}})
	b := Checksum(map[string]any{"c": []any{1, 2}, "b": "two", "a": 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Checksum(map[string]any{"a": 2, "b": "two", "c": []any{1, 2}}))
}

func TestDeactivateLeavesRecord(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	v1, _ := r.Create(TypeChat, "1.0.0", "tester", map[string]any{"x": 1})
	require.NoError(t, r.Activate(v1.ID, "tester"))
	require.NoError(t, r.Deactivate(v1.ID, "tester"))

	_, ok := r.Active(TypeChat)
	assert.False(t, ok)
	got, err := r.Get(v1.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestRestoreKeepsActiveFlags(t *testing.T) {
	r := NewRegistry(nil, zap.NewNop())
	r.Restore([]Config{
		{ID: "c1", Type: TypeBattle, Version: "1.0.0", Config: map[string]any{"x": 1}},
		{ID: "c2", Type: TypeBattle, Version: "1.1.0", Config: map[string]any{"x": 2}, IsActive: true},
	})

	active, ok := r.Active(TypeBattle)
	require.True(t, ok)
	assert.Equal(t, "c2", active.ID)
	assert.Len(t, r.List(), 2)
}

func TestLoadSeedDir(t *testing.T) {
	dir := t.TempDir()
	seed := `type: battle
version: 1.0.0
activate: true
config:
  capacity: 32
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "battle.yaml"), []byte(seed), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r := NewRegistry(nil, zap.NewNop())
	n, err := r.LoadSeedDir(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, ok := r.Active(TypeBattle)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", active.Version)

	// Re-seeding the same versions is a no-op.
	n, err = r.LoadSeedDir(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A missing directory is not an error.
	n, err = r.LoadSeedDir(filepath.Join(dir, "missing"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
