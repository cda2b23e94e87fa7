package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/admission"
	"github.com/dkirby-ms/tilemud/internal/battle"
	"github.com/dkirby-ms/tilemud/internal/blocklist"
	"github.com/dkirby-ms/tilemud/internal/chat"
	"github.com/dkirby-ms/tilemud/internal/config"
	"github.com/dkirby-ms/tilemud/internal/elastic"
	"github.com/dkirby-ms/tilemud/internal/instance"
	"github.com/dkirby-ms/tilemud/internal/liveness"
	"github.com/dkirby-ms/tilemud/internal/metrics"
	"github.com/dkirby-ms/tilemud/internal/moderation"
	"github.com/dkirby-ms/tilemud/internal/ratelimit"
	"github.com/dkirby-ms/tilemud/internal/replay"
	"github.com/dkirby-ms/tilemud/internal/rules"
	"github.com/dkirby-ms/tilemud/internal/session"
	"go.uber.org/zap"
)

var (
	ErrNoEngine       = errors.New("instance has no running battle")
	ErrUnknownSession = errors.New("unknown session")
	ErrActionLimited  = errors.New("action rate limit exceeded")
)

// Coordinator owns the per-instance machinery: one battle engine, one
// replay writer, and one quorum worker per live instance. All lifecycle
// transitions funnel through it.
type Coordinator struct {
	cfg *config.Config

	Sessions  *session.Registry
	Instances *instance.Registry
	Queues    *admission.Queues
	Limiter   *ratelimit.Limiter
	Control   *admission.Controller
	Monitor   *liveness.Monitor
	Rules     *rules.Registry
	Victory   *rules.VictoryEngine
	Chat      *chat.Dispatcher
	Sink      *EventSink
	Blocks    *blocklist.Cache
	Mutes     *moderation.MuteStore
	Guilds    *moderation.GuildRegistry

	replayStore replay.Store

	mu           sync.Mutex
	engines      map[string]*battle.Engine
	writers      map[string]*replay.Writer
	aiCounts     map[string]map[elastic.AiType]int
	arenaCancels map[string]context.CancelFunc

	runCtx context.Context
	met    *metrics.Metrics
	log    *zap.Logger
}

func NewCoordinator(
	cfg *config.Config,
	sessions *session.Registry,
	instances *instance.Registry,
	queues *admission.Queues,
	limiter *ratelimit.Limiter,
	control *admission.Controller,
	monitor *liveness.Monitor,
	ruleReg *rules.Registry,
	victory *rules.VictoryEngine,
	sink *EventSink,
	blocks *blocklist.Cache,
	mutes *moderation.MuteStore,
	guilds *moderation.GuildRegistry,
	replayStore replay.Store,
	met *metrics.Metrics,
	log *zap.Logger,
) *Coordinator {
	c := &Coordinator{
		cfg:          cfg,
		Sessions:     sessions,
		Instances:    instances,
		Queues:       queues,
		Limiter:      limiter,
		Control:      control,
		Monitor:      monitor,
		Rules:        ruleReg,
		Victory:      victory,
		Sink:         sink,
		Blocks:       blocks,
		Mutes:        mutes,
		Guilds:       guilds,
		replayStore:  replayStore,
		engines:      make(map[string]*battle.Engine),
		writers:      make(map[string]*replay.Writer),
		aiCounts:     make(map[string]map[elastic.AiType]int),
		arenaCancels: make(map[string]context.CancelFunc),
		runCtx:       context.Background(),
		met:          met,
		log:          log.Named("coordinator"),
	}
	control.OnPromoted = c.onPromoted
	return c
}

// SetChat attaches the chat dispatcher after construction; the dispatcher
// needs the coordinator as its recipient resolver.
func (c *Coordinator) SetChat(d *chat.Dispatcher) { c.Chat = d }

// SetRunContext sets the context under which per-instance workers run.
func (c *Coordinator) SetRunContext(ctx context.Context) { c.runCtx = ctx }

// CreateInstance registers a pending instance stamped with the currently
// active rule config for its mode.
func (c *Coordinator) CreateInstance(mode instance.Mode, tier instance.Tier, region string) (*instance.Instance, error) {
	ruleType := rules.TypeBattle
	if mode == instance.ModeArena {
		ruleType = rules.TypeArena
	}
	stamp, ok := c.Rules.ActiveStamp(ruleType)
	if !ok {
		return nil, rules.ErrNotFound
	}
	return c.Instances.Create(mode, tier, region, "", stamp)
}

// StartInstance activates a pending instance: freezes the quorum
// denominator, attaches the liveness worker, and starts the tick engine
// and replay flusher.
func (c *Coordinator) StartInstance(instanceID string) error {
	if err := c.Instances.Transition(instanceID, instance.StateActive); err != nil {
		return err
	}
	humans := c.Sessions.ActiveCount(instanceID)
	if err := c.Instances.SetInitialHumans(instanceID, humans); err != nil {
		return err
	}

	c.Monitor.AttachArena(instanceID, humans)
	for _, s := range c.Sessions.ActiveSessions(instanceID) {
		c.Monitor.Track(s.ID)
		c.Monitor.Join(instanceID, s.ID)
	}

	w := replay.NewWriter(instanceID, c.replayStore, replay.Config{
		BatchSize:     c.cfg.Replay.BatchSize,
		FlushInterval: c.cfg.Replay.FlushInterval,
		MaxBuffer:     c.cfg.Replay.MaxBuffer,
		Retention:     c.cfg.Replay.Retention,
	}, c.met, c.log)

	e := battle.NewEngine(
		instanceID,
		func() int { return c.Sessions.ActiveCount(instanceID) },
		c.Victory,
		w,
		c.Sink,
		battle.Config{
			TickPeriod:    c.cfg.Battle.TickPeriod,
			TimeLimit:     c.cfg.Battle.TimeLimit,
			AttemptBuffer: c.cfg.Battle.AttemptBuffer,
		},
		c.met,
		c.log,
	)
	e.OnTerminal = func(outcome battle.Outcome) { c.onBattleEnd(instanceID, outcome) }

	arenaCtx, cancel := context.WithCancel(c.runCtx)

	c.mu.Lock()
	c.engines[instanceID] = e
	c.writers[instanceID] = w
	c.arenaCancels[instanceID] = cancel
	c.mu.Unlock()

	go e.Run(arenaCtx)
	go w.RunFlusher(arenaCtx)
	go c.Monitor.RunArenaChecks(arenaCtx, instanceID, func(d liveness.Decision) {
		c.onQuorumDecision(instanceID, d)
	})

	c.log.Info("instance started",
		zap.String("instance", instanceID),
		zap.Int("initial_humans", humans))
	return nil
}

func (c *Coordinator) engine(instanceID string) (*battle.Engine, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.engines[instanceID]
	return e, ok
}

// onQuorumDecision maps the liveness verdict onto the running battle.
func (c *Coordinator) onQuorumDecision(instanceID string, d liveness.Decision) {
	e, ok := c.engine(instanceID)
	if !ok {
		return
	}
	switch d.Action {
	case liveness.ActionContinue:
		if e.Resume() {
			c.broadcast(instanceID, "battle_resumed", map[string]any{
				"quorumPct": d.QuorumPct,
			})
		}
	case liveness.ActionPause:
		if e.Pause() {
			c.broadcast(instanceID, "battle_paused", map[string]any{
				"quorumPct": d.QuorumPct,
			})
		}
	case liveness.ActionMigrate:
		// Migration is cooperative: clients get the signal and reconnect to
		// the replacement shard; the battle keeps ticking meanwhile.
		c.broadcast(instanceID, "battle_migrating", map[string]any{
			"quorumPct": d.QuorumPct,
		})
	case liveness.ActionAbort:
		c.broadcast(instanceID, "battle_aborting", map[string]any{
			"quorumPct": d.QuorumPct,
			"drainMs":   c.cfg.Heartbeat.AbortDrain.Milliseconds(),
		})
		_ = c.Instances.SetDrain(instanceID, true)
		go func() {
			// Drain window: let in-flight placements land in one last tick.
			time.Sleep(c.cfg.Heartbeat.AbortDrain)
			e.RequestAbort(d)
		}()
	}
}

// onBattleEnd runs once per instance, from the engine's terminal path.
func (c *Coordinator) onBattleEnd(instanceID string, outcome battle.Outcome) {
	target := instance.StateResolved
	if outcome == battle.OutcomeQuorumLost {
		target = instance.StateAborted
	}
	if err := c.Instances.Transition(instanceID, target); err != nil {
		c.log.Warn("terminal transition failed",
			zap.String("instance", instanceID), zap.Error(err))
	}

	for _, s := range c.Sessions.TerminateInstance(instanceID, session.ReasonInstanceClosed) {
		c.cleanupSession(s)
	}

	c.mu.Lock()
	cancel := c.arenaCancels[instanceID]
	delete(c.engines, instanceID)
	delete(c.writers, instanceID)
	delete(c.arenaCancels, instanceID)
	delete(c.aiCounts, instanceID)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.Monitor.DetachArena(instanceID)
}

// onPromoted fires when a queue head becomes a session.
func (c *Coordinator) onPromoted(e *admission.Entry, s *session.Session) {
	c.Monitor.Track(s.ID)
	c.Monitor.Join(s.InstanceID, s.ID)
	c.Sink.Notify(s.ID, "admitted", map[string]any{
		"sessionId":  s.ID,
		"instanceId": s.InstanceID,
	})
	c.log.Info("waitlist promotion",
		zap.String("character", e.CharacterID),
		zap.String("instance", s.InstanceID))
}

// Admit runs the admission decision and wires liveness on success.
func (c *Coordinator) Admit(instanceID, characterID, userID, replaceToken string) admission.Decision {
	d := c.Control.Admit(instanceID, characterID, userID, replaceToken)
	if d.Outcome == admission.OutcomeAdmitted || d.Outcome == admission.OutcomeReplaced {
		c.Monitor.Track(d.SessionID)
		c.Monitor.Join(instanceID, d.SessionID)
	}
	return d
}

// Reconnect redeems a grace token and re-attaches liveness.
func (c *Coordinator) Reconnect(token string) admission.Decision {
	d := c.Control.Reconnect(token)
	if d.Outcome == admission.OutcomeAdmitted {
		if s, err := c.Sessions.Get(d.SessionID); err == nil {
			c.Monitor.Track(s.ID)
			c.Monitor.Join(s.InstanceID, s.ID)
		}
	}
	return d
}

// Heartbeat records one beat on both the session table and the liveness
// book.
func (c *Coordinator) Heartbeat(sessionID string, rtt time.Duration) error {
	if err := c.Sessions.Heartbeat(sessionID); err != nil {
		return err
	}
	c.Monitor.Heartbeat(sessionID, rtt)
	return nil
}

// PlaceTile submits a placement attempt after the per-character action
// limit.
func (c *Coordinator) PlaceTile(sessionID string, x, y int, seq uint64) error {
	s, err := c.Sessions.Get(sessionID)
	if err != nil {
		return ErrUnknownSession
	}
	if res := c.Limiter.Check(s.CharacterID, ratelimit.ChannelAction); !res.Allowed {
		if c.met != nil {
			c.met.RateLimitHits.WithLabelValues(string(ratelimit.ChannelAction)).Inc()
		}
		return ErrActionLimited
	}
	e, ok := c.engine(s.InstanceID)
	if !ok {
		return ErrNoEngine
	}
	return e.SubmitPlacement(battle.Attempt{
		CharacterID: s.CharacterID,
		SessionID:   sessionID,
		X:           x,
		Y:           y,
		Timestamp:   time.Now(),
		Sequence:    seq,
	})
}

// Terminate ends one session and releases everything attached to it.
// Implements moderation.SessionControl.
func (c *Coordinator) Terminate(sessionID string, reason session.TerminateReason) error {
	s, err := c.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := c.Control.Terminate(sessionID, reason); err != nil {
		return err
	}
	c.cleanupSession(s)
	return nil
}

func (c *Coordinator) cleanupSession(s *session.Session) {
	c.Monitor.Forget(s.ID)
	if c.Chat != nil {
		c.Chat.CancelSession(s.ID)
	}
	c.Sink.Drop(s.ID)
}

// Disconnect moves an active session to grace, freeing its slot. The
// reconnect token goes back to the caller (or the logs, for sweeps).
func (c *Coordinator) Disconnect(sessionID string) (string, time.Time, error) {
	s, err := c.Sessions.Get(sessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	token, expiresAt, err := c.Sessions.BeginGrace(sessionID)
	if err != nil {
		return "", time.Time{}, err
	}
	c.Sink.Drop(sessionID)
	// The grace session gave up its slot; the waitlist may advance.
	c.Control.Promote(s.InstanceID)
	return token, expiresAt, nil
}

// Stats implements elastic.StatsSource over live instances.
func (c *Coordinator) Stats() []elastic.InstanceStats {
	c.mu.Lock()
	counts := make(map[string]map[elastic.AiType]int, len(c.aiCounts))
	for id, byType := range c.aiCounts {
		cp := make(map[elastic.AiType]int, len(byType))
		for at, n := range byType {
			cp[at] = n
		}
		counts[id] = cp
	}
	c.mu.Unlock()

	var out []elastic.InstanceStats
	for _, inst := range c.Instances.List() {
		if inst.State != instance.StateActive {
			continue
		}
		out = append(out, elastic.InstanceStats{
			InstanceID: inst.ID,
			Humans:     c.Sessions.ActiveCount(inst.ID),
			AiByType:   counts[inst.ID],
			Capacity:   inst.Capacity(),
		})
	}
	return out
}

// SpawnAI implements elastic.Spawner. AI entities live outside the session
// table; the coordinator only tracks their population.
func (c *Coordinator) SpawnAI(_ context.Context, instanceID string, aiType elastic.AiType, count int) error {
	c.mu.Lock()
	if c.aiCounts[instanceID] == nil {
		c.aiCounts[instanceID] = make(map[elastic.AiType]int)
	}
	c.aiCounts[instanceID][aiType] += count
	c.mu.Unlock()
	c.broadcast(instanceID, "ai_population", map[string]any{
		"type":  string(aiType),
		"delta": count,
	})
	return nil
}

// DespawnAI implements elastic.Spawner.
func (c *Coordinator) DespawnAI(_ context.Context, instanceID string, aiType elastic.AiType, count int) error {
	c.mu.Lock()
	if have := c.aiCounts[instanceID][aiType]; have < count {
		count = have
	}
	if count > 0 {
		c.aiCounts[instanceID][aiType] -= count
	}
	c.mu.Unlock()
	if count == 0 {
		return nil
	}
	c.broadcast(instanceID, "ai_population", map[string]any{
		"type":  string(aiType),
		"delta": -count,
	})
	return nil
}

// Recipients implements chat.Resolver.
func (c *Coordinator) Recipients(msg chat.Message) []string {
	switch msg.ChannelType {
	case chat.ChannelSystem, chat.ChannelDirect:
		if msg.RecipientID == "" {
			return nil
		}
		if s, ok := c.Sessions.ByCharacter(msg.RecipientID); ok {
			return []string{s.ID}
		}
		return nil
	case chat.ChannelGuild, chat.ChannelParty:
		var out []string
		for _, member := range c.Guilds.Members(msg.RecipientID) {
			if member == msg.SenderID {
				continue
			}
			if s, ok := c.Sessions.ByCharacter(member); ok {
				out = append(out, s.ID)
			}
		}
		return out
	default:
		var out []string
		for _, s := range c.Sessions.ActiveSessions(msg.InstanceID) {
			if s.CharacterID == msg.SenderID {
				continue
			}
			out = append(out, s.ID)
		}
		return out
	}
}

func (c *Coordinator) broadcast(instanceID, eventType string, data any) {
	for _, s := range c.Sessions.ActiveSessions(instanceID) {
		c.Sink.Notify(s.ID, eventType, data)
	}
}

// RunSweeps drives the periodic housekeeping: grace expiry, unresponsive
// detection, and the table sweeps.
func (c *Coordinator) RunSweeps(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Session.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce()
		}
	}
}

func (c *Coordinator) sweepOnce() {
	// Unresponsive actives drop to grace; their slot frees immediately.
	for _, sid := range c.Monitor.SweepUnresponsive() {
		s, err := c.Sessions.Get(sid)
		if err != nil || s.State != session.StateActive {
			continue
		}
		_, _, _ = c.Disconnect(sid)
	}

	for _, s := range c.Sessions.ExpireGraces() {
		c.cleanupSession(s)
		c.Control.Promote(s.InstanceID)
	}

	c.Sessions.Sweep()
	c.Queues.ReapExpired()
	c.Limiter.Sweep()
	c.Blocks.Sweep()
	c.Mutes.Sweep()
}
