package battle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkirby-ms/tilemud/internal/liveness"
	"github.com/dkirby-ms/tilemud/internal/replay"
	"github.com/dkirby-ms/tilemud/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nullStore struct{}

func (nullStore) AppendBatch(context.Context, string, []replay.Event) error { return nil }
func (nullStore) Finalize(context.Context, string, uint64, int64, time.Time) error {
	return nil
}

type recordedSink struct {
	updates []struct {
		tick      uint64
		placed    []Placement
		conflicts int
	}
	rejections []struct {
		sessionID string
		x, y      int
		reason    string
	}
	resolved bool
	outcome  Outcome
	winner   string
}

func (s *recordedSink) TilesUpdated(_ string, tick uint64, placed []Placement, conflicts int) {
	s.updates = append(s.updates, struct {
		tick      uint64
		placed    []Placement
		conflicts int
	}{tick, placed, conflicts})
}

func (s *recordedSink) TileRejected(sessionID string, x, y int, reason string) {
	s.rejections = append(s.rejections, struct {
		sessionID string
		x, y      int
		reason    string
	}{sessionID, x, y, reason})
}

func (s *recordedSink) BattleResolved(_ string, outcome Outcome, winner string) {
	s.resolved = true
	s.outcome = outcome
	s.winner = winner
}

type fixture struct {
	engine  *Engine
	sink    *recordedSink
	now     *time.Time
	players int
}

func newFixture(t *testing.T, cfg Config, victory *rules.VictoryEngine) *fixture {
	t.Helper()
	f := &fixture{sink: &recordedSink{}, players: 2}
	writer := replay.NewWriter("replay-1", nullStore{}, replay.Config{}, nil, zap.NewNop())
	f.engine = NewEngine("inst-1", func() int { return f.players }, victory, writer, f.sink, cfg, nil, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = &now
	f.engine.SetClock(func() time.Time { return now })
	return f
}

func (f *fixture) submit(t *testing.T, char, sess string, x, y int, at time.Time, seq uint64) {
	t.Helper()
	require.NoError(t, f.engine.SubmitPlacement(Attempt{
		CharacterID: char,
		SessionID:   sess,
		X:           x,
		Y:           y,
		Timestamp:   at,
		Sequence:    seq,
	}))
}

func TestEarliestAttemptWinsConflicts(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	base := *f.now

	f.submit(t, "late", "s-late", 3, 3, base.Add(20*time.Millisecond), 1)
	f.submit(t, "early", "s-early", 3, 3, base.Add(5*time.Millisecond), 1)
	f.submit(t, "middle", "s-middle", 3, 3, base.Add(10*time.Millisecond), 1)

	_, _, done := f.engine.RunTick(context.Background())
	require.False(t, done)

	owner, ok := f.engine.TileOwner(3, 3)
	require.True(t, ok)
	assert.Equal(t, "early", owner)

	require.Len(t, f.sink.rejections, 2)
	for _, r := range f.sink.rejections {
		assert.Equal(t, RejectConflict, r.reason)
	}
	require.Len(t, f.sink.updates, 1)
	assert.Equal(t, 2, f.sink.updates[0].conflicts)
}

func TestConflictTiesBreakOnCharacterThenSequence(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	at := *f.now

	f.submit(t, "bbb", "s1", 0, 0, at, 1)
	f.submit(t, "aaa", "s2", 0, 0, at, 9)
	f.engine.RunTick(context.Background())

	owner, _ := f.engine.TileOwner(0, 0)
	assert.Equal(t, "aaa", owner, "equal timestamps fall back to character id")

	f.submit(t, "aaa", "s2", 1, 0, at, 7)
	f.submit(t, "aaa", "s2", 1, 0, at, 2)
	f.engine.RunTick(context.Background())

	require.Len(t, f.sink.updates, 2)
	assert.Equal(t, uint64(2), f.sink.updates[1].placed[0].Sequence, "same character ties on sequence")
}

func TestOccupiedPositionRejectsEveryone(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	at := *f.now

	f.submit(t, "owner", "s1", 2, 2, at, 1)
	f.engine.RunTick(context.Background())

	f.submit(t, "late-a", "s2", 2, 2, at.Add(time.Second), 1)
	f.submit(t, "late-b", "s3", 2, 2, at.Add(time.Second), 1)
	f.engine.RunTick(context.Background())

	owner, _ := f.engine.TileOwner(2, 2)
	assert.Equal(t, "owner", owner)
	require.Len(t, f.sink.rejections, 2)
	assert.Equal(t, RejectOccupied, f.sink.rejections[0].reason)
	assert.Equal(t, RejectOccupied, f.sink.rejections[1].reason)
	assert.Len(t, f.sink.updates, 1, "a tick with no placements broadcasts nothing")
}

func TestPlacementsResolveInBoardOrder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	at := *f.now

	f.submit(t, "a", "s1", 2, 1, at, 1)
	f.submit(t, "b", "s2", 0, 0, at, 1)
	f.submit(t, "c", "s3", 1, 0, at, 1)
	f.engine.RunTick(context.Background())

	require.Len(t, f.sink.updates, 1)
	placed := f.sink.updates[0].placed
	require.Len(t, placed, 3)
	assert.Equal(t, [2]int{0, 0}, [2]int{placed[0].X, placed[0].Y})
	assert.Equal(t, [2]int{1, 0}, [2]int{placed[1].X, placed[1].Y})
	assert.Equal(t, [2]int{2, 1}, [2]int{placed[2].X, placed[2].Y})
}

func TestEmptyBattleEnds(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.players = 0

	outcome, _, done := f.engine.RunTick(context.Background())
	assert.True(t, done)
	assert.Equal(t, OutcomeEmpty, outcome)
}

func TestTimeLimitEndsBattle(t *testing.T) {
	f := newFixture(t, Config{TimeLimit: 10 * time.Minute}, nil)

	_, _, done := f.engine.RunTick(context.Background())
	require.False(t, done)

	*f.now = f.now.Add(11 * time.Minute)
	outcome, _, done := f.engine.RunTick(context.Background())
	assert.True(t, done)
	assert.Equal(t, OutcomeTimeout, outcome)
}

func TestPauseHaltsTicksAndPreservesState(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	at := *f.now

	f.submit(t, "owner", "s1", 0, 0, at, 1)
	f.engine.RunTick(context.Background())
	require.Equal(t, uint64(1), f.engine.Tick())

	require.True(t, f.engine.Pause())
	assert.True(t, f.engine.Paused())
	assert.False(t, f.engine.Pause(), "pausing twice is a no-op")

	// Attempts buffer while paused but no tick resolves them.
	f.submit(t, "later", "s2", 1, 0, at.Add(time.Second), 1)
	_, _, done := f.engine.RunTick(context.Background())
	require.False(t, done)
	assert.Equal(t, uint64(1), f.engine.Tick(), "no tick advances while paused")
	assert.Len(t, f.sink.updates, 1)

	owner, ok := f.engine.TileOwner(0, 0)
	require.True(t, ok)
	assert.Equal(t, "owner", owner, "board state survives the pause")

	require.True(t, f.engine.Resume())
	assert.False(t, f.engine.Resume(), "resuming twice is a no-op")
	f.engine.RunTick(context.Background())
	assert.Equal(t, uint64(2), f.engine.Tick())

	owner, ok = f.engine.TileOwner(1, 0)
	require.True(t, ok)
	assert.Equal(t, "later", owner, "buffered attempts resolve on the first tick after resume")
}

func TestPausedTimeExcludedFromTimeLimit(t *testing.T) {
	f := newFixture(t, Config{TimeLimit: 10 * time.Minute}, nil)

	_, _, done := f.engine.RunTick(context.Background())
	require.False(t, done)

	f.engine.Pause()
	*f.now = f.now.Add(30 * time.Minute)
	f.engine.Resume()

	_, _, done = f.engine.RunTick(context.Background())
	assert.False(t, done, "time spent paused does not burn the limit")

	*f.now = f.now.Add(11 * time.Minute)
	outcome, _, done := f.engine.RunTick(context.Background())
	require.True(t, done)
	assert.Equal(t, OutcomeTimeout, outcome)
}

func TestAbortEndsPausedBattle(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, _, done := f.engine.RunTick(context.Background())
	require.False(t, done)

	f.engine.Pause()
	f.engine.RequestAbort(liveness.Decision{Action: liveness.ActionAbort, QuorumPct: 20, Confidence: 0.9})

	outcome, _, done := f.engine.RunTick(context.Background())
	assert.True(t, done)
	assert.Equal(t, OutcomeQuorumLost, outcome)
}

func TestDuplicateAttemptIsNotItsOwnConflict(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	// Same attempt identity, one timestamp carrying a monotonic reading and
	// one without. Equal wall clocks must not count as a conflict.
	ts := time.Now()
	f.submit(t, "solo", "s1", 4, 4, ts, 3)
	f.submit(t, "solo", "s1", 4, 4, ts.Round(0), 3)

	f.engine.RunTick(context.Background())

	owner, ok := f.engine.TileOwner(4, 4)
	require.True(t, ok)
	assert.Equal(t, "solo", owner)
	assert.Empty(t, f.sink.rejections)
	require.Len(t, f.sink.updates, 1)
	assert.Equal(t, 0, f.sink.updates[0].conflicts)
}

func TestRequestedAbortEndsBattle(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, _, done := f.engine.RunTick(context.Background())
	require.False(t, done)

	f.engine.RequestAbort(liveness.Decision{Action: liveness.ActionAbort, QuorumPct: 25, Confidence: 0.9})
	outcome, _, done := f.engine.RunTick(context.Background())
	assert.True(t, done)
	assert.Equal(t, OutcomeQuorumLost, outcome)
}

func TestVictoryScriptResolvesBattle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "battle"), 0o755))
	script := `
function check_victory(ctx)
    if ctx.tiles_placed >= 2 then
        local best, count = nil, 0
        for id, n in pairs(ctx.tiles_by_char) do
            if n > count then best, count = id, n end
        end
        return { done = true, winner = best, reason = "domination" }
    end
    return { done = false }
end
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "battle", "victory.lua"), []byte(script), 0o644))
	victory, err := rules.NewVictoryEngine(dir, zap.NewNop())
	require.NoError(t, err)
	defer victory.Close()

	f := newFixture(t, Config{}, victory)
	at := *f.now

	f.submit(t, "champ", "s1", 0, 0, at, 1)
	_, _, done := f.engine.RunTick(context.Background())
	require.False(t, done)

	f.submit(t, "champ", "s1", 1, 0, at.Add(time.Second), 2)
	outcome, winner, done := f.engine.RunTick(context.Background())
	require.True(t, done)
	assert.Equal(t, OutcomeResolved, outcome)
	assert.Equal(t, "champ", winner)
}

func TestFinishSealsEngine(t *testing.T) {
	f := newFixture(t, Config{TickPeriod: time.Millisecond}, nil)
	f.players = 0

	var terminal []Outcome
	f.engine.OnTerminal = func(o Outcome) { terminal = append(terminal, o) }

	// Run returns once the first tick observes the empty battle.
	f.engine.Run(context.Background())

	assert.True(t, f.sink.resolved)
	assert.Equal(t, OutcomeEmpty, f.sink.outcome)
	require.Len(t, terminal, 1)
	assert.Equal(t, OutcomeEmpty, terminal[0])

	err := f.engine.SubmitPlacement(Attempt{CharacterID: "c", SessionID: "s"})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestBacklogLimit(t *testing.T) {
	f := newFixture(t, Config{AttemptBuffer: 2}, nil)
	at := *f.now

	f.submit(t, "a", "s1", 0, 0, at, 1)
	f.submit(t, "b", "s2", 1, 0, at, 1)
	err := f.engine.SubmitPlacement(Attempt{CharacterID: "c", SessionID: "s3", X: 2, Y: 0, Timestamp: at})
	assert.ErrorIs(t, err, ErrBacklogFull)
}
