// Package battle runs the per-battle fixed-period tick loop: it batches
// tile-placement attempts and resolves same-position conflicts
// deterministically inside each tick.
package battle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/liveness"
	"github.com/dkirby-ms/tilemud/internal/metrics"
	"github.com/dkirby-ms/tilemud/internal/replay"
	"github.com/dkirby-ms/tilemud/internal/rules"
	"go.uber.org/zap"
)

// Stable rejection reasons for placement attempts.
const (
	RejectOccupied = "OCCUPIED"
	RejectConflict = "CONFLICT"
)

// Outcome names the terminal condition of a battle.
type Outcome string

const (
	OutcomeTimeout    Outcome = "timeout"
	OutcomeEmpty      Outcome = "empty"
	OutcomeQuorumLost Outcome = "quorum_lost"
	OutcomeResolved   Outcome = "resolved"
)

var (
	ErrEngineClosed = errors.New("battle engine closed")
	ErrBacklogFull  = errors.New("placement backlog full")
)

// Attempt is one tile-placement request from a client.
type Attempt struct {
	CharacterID string
	SessionID   string
	X, Y        int
	Timestamp   time.Time
	Sequence    uint64
}

// Placement is an accepted attempt, stamped with its tick.
type Placement struct {
	Attempt
	Tick uint64
}

// Sink receives battle broadcasts. The transport adapter implements it.
type Sink interface {
	TilesUpdated(instanceID string, tick uint64, placed []Placement, conflictsResolved int)
	TileRejected(sessionID string, x, y int, reason string)
	BattleResolved(instanceID string, outcome Outcome, winner string)
}

type pos struct{ x, y int }

type Config struct {
	TickPeriod    time.Duration
	TimeLimit     time.Duration
	AttemptBuffer int
}

// Engine is one battle's single-threaded tick worker. SubmitPlacement may be
// called from any goroutine; everything else runs on the Run goroutine.
type Engine struct {
	instanceID string

	mu       sync.Mutex
	backlog  []Attempt
	closed   bool
	abortReq bool

	paused    bool
	pausedAt  time.Time
	pausedFor time.Duration

	board       map[pos]string // position -> owning characterID
	tilesByChar map[string]int
	tick        uint64
	startedAt   time.Time

	playerCount func() int
	victory     *rules.VictoryEngine
	writer      *replay.Writer
	sink        Sink

	// OnTerminal fires once, after the replay is sealed.
	OnTerminal func(outcome Outcome)

	cfg Config
	met *metrics.Metrics
	now func() time.Time
	log *zap.Logger
}

func NewEngine(
	instanceID string,
	playerCount func() int,
	victory *rules.VictoryEngine,
	writer *replay.Writer,
	sink Sink,
	cfg Config,
	met *metrics.Metrics,
	log *zap.Logger,
) *Engine {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Second
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = 30 * time.Minute
	}
	if cfg.AttemptBuffer <= 0 {
		cfg.AttemptBuffer = 1024
	}
	return &Engine{
		instanceID:  instanceID,
		board:       make(map[pos]string),
		tilesByChar: make(map[string]int),
		playerCount: playerCount,
		victory:     victory,
		writer:      writer,
		sink:        sink,
		cfg:         cfg,
		met:         met,
		now:         time.Now,
		log:         log.Named("battle").With(zap.String("instance", instanceID)),
	}
}

// SetClock overrides the engine clock. Test use only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SubmitPlacement queues an attempt for the next tick.
func (e *Engine) SubmitPlacement(a Attempt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if len(e.backlog) >= e.cfg.AttemptBuffer {
		return ErrBacklogFull
	}
	e.backlog = append(e.backlog, a)
	return nil
}

// RequestAbort asks the engine to end with quorum_lost at the next tick.
// Used when the soft-fail monitor decides the battle cannot continue.
func (e *Engine) RequestAbort(d liveness.Decision) {
	e.mu.Lock()
	e.abortReq = true
	e.mu.Unlock()
	e.log.Warn("abort requested",
		zap.Float64("quorum_pct", d.QuorumPct),
		zap.Float64("confidence", d.Confidence))
}

// Pause halts tick advancement. State and the backlog are preserved, and
// time spent paused does not count against the battle time limit. Reports
// whether the call changed anything.
func (e *Engine) Pause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.paused {
		return false
	}
	e.paused = true
	e.pausedAt = e.now()
	e.log.Info("battle paused", zap.Uint64("tick", e.tick))
	return true
}

// Resume lifts a pause. Reports whether the engine was paused.
func (e *Engine) Resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return false
	}
	e.pausedFor += e.now().Sub(e.pausedAt)
	e.paused = false
	e.log.Info("battle resumed", zap.Uint64("tick", e.tick))
	return true
}

// Paused reports whether tick advancement is halted.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// TileOwner returns the character holding a position, if any.
func (e *Engine) TileOwner(x, y int) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	owner, ok := e.board[pos{x, y}]
	return owner, ok
}

// Tick returns the last completed tick number.
func (e *Engine) Tick() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tick
}

// Run drives the tick loop until a terminal condition or context end.
// Context cancellation seals the replay and resolves as quorum_lost.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	if e.startedAt.IsZero() {
		e.startedAt = e.now()
	}
	e.mu.Unlock()
	ticker := time.NewTicker(e.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.finish(context.Background(), OutcomeQuorumLost, "")
			return
		case <-ticker.C:
			if outcome, winner, done := e.RunTick(ctx); done {
				e.finish(ctx, outcome, winner)
				return
			}
		}
	}
}

// RunTick executes one tick: drain, resolve, broadcast, check end
// conditions. Exposed so tests can drive ticks without the ticker.
func (e *Engine) RunTick(ctx context.Context) (Outcome, string, bool) {
	started := e.now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", "", false
	}
	if e.paused && !e.abortReq {
		// A paused battle holds its backlog; only an abort moves it forward.
		e.mu.Unlock()
		return "", "", false
	}
	if e.startedAt.IsZero() {
		e.startedAt = started
	}
	attempts := e.backlog
	e.backlog = nil
	e.tick++
	tick := e.tick
	abortReq := e.abortReq
	e.mu.Unlock()

	placed, rejected, conflicts := e.resolve(tick, attempts)

	for _, p := range placed {
		if _, err := e.writer.Append(ctx, "tile_placed", p.CharacterID, map[string]any{
			"x":    p.X,
			"y":    p.Y,
			"tick": tick,
		}); err != nil {
			// Replay write failures do not stop the battle; the writer
			// retries on its own flush schedule.
			e.log.Error("replay append failed", zap.Error(err))
		}
	}
	for _, r := range rejected {
		e.sink.TileRejected(r.attempt.SessionID, r.attempt.X, r.attempt.Y, r.reason)
	}
	if len(placed) > 0 || conflicts > 0 {
		e.sink.TilesUpdated(e.instanceID, tick, placed, conflicts)
	}

	if e.met != nil {
		e.met.TickDuration.
			WithLabelValues(e.instanceID, metrics.PlayerBucket(e.playerCount())).
			Observe(e.now().Sub(started).Seconds())
	}

	return e.checkEnd(tick, abortReq)
}

type rejection struct {
	attempt Attempt
	reason  string
}

// resolve groups attempts by position and applies the deterministic
// conflict rule: occupied positions reject everyone; otherwise the attempt
// with the minimal (timestamp, characterID, sequence) wins.
func (e *Engine) resolve(tick uint64, attempts []Attempt) ([]Placement, []rejection, int) {
	if len(attempts) == 0 {
		return nil, nil, 0
	}
	groups := make(map[pos][]Attempt)
	for _, a := range attempts {
		p := pos{a.X, a.Y}
		groups[p] = append(groups[p], a)
	}

	positions := make([]pos, 0, len(groups))
	for p := range groups {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].y != positions[j].y {
			return positions[i].y < positions[j].y
		}
		return positions[i].x < positions[j].x
	})

	var placed []Placement
	var rejected []rejection
	conflicts := 0

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range positions {
		group := groups[p]
		if _, occupied := e.board[p]; occupied {
			for _, a := range group {
				rejected = append(rejected, rejection{a, RejectOccupied})
			}
			continue
		}
		winner := group[0]
		for _, a := range group[1:] {
			if attemptLess(a, winner) {
				winner = a
			}
		}
		e.board[p] = winner.CharacterID
		e.tilesByChar[winner.CharacterID]++
		placed = append(placed, Placement{Attempt: winner, Tick: tick})
		for _, a := range group {
			// Identity compare: struct equality over time.Time would also
			// compare monotonic clock readings.
			if a.CharacterID == winner.CharacterID && a.Sequence == winner.Sequence {
				continue
			}
			rejected = append(rejected, rejection{a, RejectConflict})
			conflicts++
		}
	}
	return placed, rejected, conflicts
}

// attemptLess orders attempts by (timestamp, characterID, sequence).
func attemptLess(a, b Attempt) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.CharacterID != b.CharacterID {
		return a.CharacterID < b.CharacterID
	}
	return a.Sequence < b.Sequence
}

// elapsed is the battle's running time with paused stretches excluded.
func (e *Engine) elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elapsedLocked()
}

func (e *Engine) elapsedLocked() time.Duration {
	el := e.now().Sub(e.startedAt) - e.pausedFor
	if e.paused {
		el -= e.now().Sub(e.pausedAt)
	}
	return el
}

func (e *Engine) checkEnd(tick uint64, abortReq bool) (Outcome, string, bool) {
	if abortReq {
		return OutcomeQuorumLost, "", true
	}
	if e.playerCount() == 0 {
		return OutcomeEmpty, "", true
	}
	if e.elapsed() >= e.cfg.TimeLimit {
		return OutcomeTimeout, "", true
	}
	if e.victory != nil {
		e.mu.Lock()
		vctx := rules.VictoryContext{
			Tick:        tick,
			ElapsedSec:  int(e.elapsedLocked().Seconds()),
			PlayerCount: e.playerCount(),
			TilesPlaced: len(e.board),
			TilesByChar: copyCounts(e.tilesByChar),
		}
		e.mu.Unlock()
		res, err := e.victory.Evaluate(vctx)
		if err != nil {
			// Fail safe: a broken script never ends the battle.
			e.log.Error("victory script error", zap.Error(err))
		} else if res.Done {
			return OutcomeResolved, res.Winner, true
		}
	}
	return "", "", false
}

// finish freezes the board, seals the replay, and announces the outcome.
func (e *Engine) finish(ctx context.Context, outcome Outcome, winner string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.backlog = nil
	e.mu.Unlock()

	if _, err := e.writer.Append(ctx, "battle_resolved", winner, map[string]any{
		"outcome": string(outcome),
	}); err != nil {
		e.log.Error("replay append failed", zap.Error(err))
	}
	if err := e.writer.Finalize(ctx); err != nil {
		e.log.Error("replay finalize failed", zap.Error(err))
	}
	e.sink.BattleResolved(e.instanceID, outcome, winner)
	if e.OnTerminal != nil {
		e.OnTerminal(outcome)
	}
	e.log.Info("battle finished",
		zap.String("outcome", string(outcome)),
		zap.Uint64("ticks", e.tick))
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
