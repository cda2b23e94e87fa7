// Package elastic sizes the AI population per instance: backfill thin
// arenas with ambient life, field monsters when humans crowd in, shed AI
// load when the ratio tips too far from real players.
package elastic

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/metrics"
	"go.uber.org/zap"
)

// Action is one scaling verdict.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionHold      Action = "hold"
	ActionThrottled Action = "throttled"
)

// AiType classifies an AI entity for scaling purposes. Ambient entities are
// cheap set dressing; monsters carry gameplay weight.
type AiType string

const (
	AiMerchant AiType = "merchant"
	AiGuard    AiType = "guard"
	AiMonster  AiType = "monster"
	AiAmbient  AiType = "ambient"
)

// InstanceStats is the controller's input per instance.
type InstanceStats struct {
	InstanceID string
	Humans     int
	AiByType   map[AiType]int
	Capacity   int
}

func (s InstanceStats) totalAi() int {
	n := 0
	for _, c := range s.AiByType {
		n += c
	}
	return n
}

// StatsSource supplies the current population of every live instance.
type StatsSource interface {
	Stats() []InstanceStats
}

// Spawner applies scaling decisions. Implementations may be slow; the
// controller bounds concurrency.
type Spawner interface {
	SpawnAI(ctx context.Context, instanceID string, aiType AiType, count int) error
	DespawnAI(ctx context.Context, instanceID string, aiType AiType, count int) error
}

// Move adjusts one AI type's population. Positive deltas spawn, negative
// despawn.
type Move struct {
	Type  AiType
	Delta int
}

// Recommendation is one instance's scaling plan for a recompute pass.
type Recommendation struct {
	InstanceID string
	Action     Action
	Moves      []Move
	Priority   float64
	Humans     int
	AI         int
	Capacity   int
}

type Config struct {
	ScaleUpPct              float64
	ScaleDownPct            float64
	MinAiRatio              float64
	MaxAiRatio              float64
	Cooldown                time.Duration
	MaxConcurrentOperations int
	RecomputeInterval       time.Duration
}

// Controller recomputes recommendations on a fixed interval and applies
// them through the spawner, one operation per instance per cooldown.
type Controller struct {
	mu         sync.Mutex
	lastAction map[string]time.Time

	source  StatsSource
	spawner Spawner

	cfg Config
	met *metrics.Metrics
	now func() time.Time
	log *zap.Logger
}

func NewController(source StatsSource, spawner Spawner, cfg Config, met *metrics.Metrics, log *zap.Logger) *Controller {
	if cfg.ScaleUpPct <= 0 {
		cfg.ScaleUpPct = 70
	}
	if cfg.ScaleDownPct <= 0 {
		cfg.ScaleDownPct = 40
	}
	if cfg.MinAiRatio <= 0 {
		cfg.MinAiRatio = 0.1
	}
	if cfg.MaxAiRatio <= 0 {
		cfg.MaxAiRatio = 0.6
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxConcurrentOperations <= 0 {
		cfg.MaxConcurrentOperations = 3
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = 5 * time.Second
	}
	return &Controller{
		lastAction: make(map[string]time.Time),
		source:     source,
		spawner:    spawner,
		cfg:        cfg,
		met:        met,
		now:        time.Now,
		log:        log.Named("elastic"),
	}
}

// SetClock overrides the controller clock. Test use only.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Recommend computes the plan for one instance without side effects.
// Utilization counts humans against capacity; the AI ratio counts AI
// against the whole population. Each triggered rule contributes a per-type
// delta; deltas merge by type before any move is emitted.
func (c *Controller) Recommend(s InstanceStats) Recommendation {
	totalAi := s.totalAi()
	rec := Recommendation{
		InstanceID: s.InstanceID,
		Action:     ActionHold,
		Humans:     s.Humans,
		AI:         totalAi,
		Capacity:   s.Capacity,
	}
	if s.Capacity <= 0 {
		return rec
	}
	utilization := float64(s.Humans) / float64(s.Capacity) * 100
	aiRatio := 0.0
	if totalAi+s.Humans > 0 {
		aiRatio = float64(totalAi) / float64(totalAi+s.Humans)
	}

	deltas := map[AiType]int{}
	priority := 0.0
	bump := func(p float64) {
		if p > priority {
			priority = p
		}
	}

	if utilization >= c.cfg.ScaleUpPct {
		// Busy arena: field opposition and set dressing for the crowd.
		if s.AiByType[AiMonster] < s.Humans/2 && s.Humans >= 3 {
			deltas[AiMonster]++
			bump((utilization - c.cfg.ScaleUpPct) / 100)
		}
		if s.AiByType[AiAmbient] < 3 && s.Humans >= 2 {
			deltas[AiAmbient]++
			bump((utilization - c.cfg.ScaleUpPct) / 100)
		}
	}
	if utilization <= c.cfg.ScaleDownPct {
		if s.AiByType[AiAmbient] > 2 {
			deltas[AiAmbient]--
			bump((c.cfg.ScaleDownPct - utilization) / 100)
		}
		if utilization < 20 && s.AiByType[AiMonster] > 0 {
			deltas[AiMonster]--
			bump((c.cfg.ScaleDownPct - utilization) / 100)
		}
	}
	if aiRatio < c.cfg.MinAiRatio && s.Humans > 0 {
		// Too sterile. Ambient is the cheapest life to add.
		deltas[AiAmbient]++
		bump(c.cfg.MinAiRatio - aiRatio)
	}
	if aiRatio > c.cfg.MaxAiRatio {
		// Ratio breach outranks utilization pressure.
		if s.AiByType[AiAmbient]+deltas[AiAmbient] > 1 {
			deltas[AiAmbient]--
		}
		bump(aiRatio - c.cfg.MaxAiRatio + 1)
	}

	net := 0
	for _, at := range []AiType{AiMerchant, AiGuard, AiMonster, AiAmbient} {
		d := deltas[at]
		if d == 0 {
			continue
		}
		if d < 0 && s.AiByType[at]+d < 0 {
			d = -s.AiByType[at]
		}
		if d == 0 {
			continue
		}
		rec.Moves = append(rec.Moves, Move{Type: at, Delta: d})
		net += d
	}
	if len(rec.Moves) == 0 {
		return rec
	}
	if net >= 0 {
		rec.Action = ActionScaleUp
	} else {
		rec.Action = ActionScaleDown
	}
	rec.Priority = priority
	return rec
}

// RecomputeOnce plans all instances, orders by priority, and applies up to
// MaxConcurrentOperations plans whose instances are out of cooldown.
// Returns every recommendation, including the ones held or throttled.
func (c *Controller) RecomputeOnce(ctx context.Context) []Recommendation {
	stats := c.source.Stats()
	recs := make([]Recommendation, 0, len(stats))
	for _, s := range stats {
		recs = append(recs, c.Recommend(s))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Priority > recs[j].Priority })

	applied := 0
	for i := range recs {
		rec := &recs[i]
		if rec.Action == ActionHold || len(rec.Moves) == 0 {
			continue
		}
		if applied >= c.cfg.MaxConcurrentOperations {
			rec.Action = ActionThrottled
			continue
		}
		if !c.tryBegin(rec.InstanceID) {
			rec.Action = ActionThrottled
			continue
		}
		applied++
		c.apply(ctx, *rec)
	}
	return recs
}

// tryBegin enforces the per-instance cooldown.
func (c *Controller) tryBegin(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.lastAction[instanceID]; ok && now.Sub(last) < c.cfg.Cooldown {
		return false
	}
	c.lastAction[instanceID] = now
	return true
}

func (c *Controller) apply(ctx context.Context, rec Recommendation) {
	for _, m := range rec.Moves {
		var (
			err    error
			action Action
			count  = m.Delta
		)
		if count < 0 {
			count = -count
		}
		if m.Delta > 0 {
			action = ActionScaleUp
			err = c.spawner.SpawnAI(ctx, rec.InstanceID, m.Type, count)
		} else {
			action = ActionScaleDown
			err = c.spawner.DespawnAI(ctx, rec.InstanceID, m.Type, count)
		}
		if err != nil {
			c.log.Error("scaling operation failed",
				zap.String("instance", rec.InstanceID),
				zap.String("action", string(action)),
				zap.String("ai_type", string(m.Type)),
				zap.Int("count", count),
				zap.Error(err))
			continue
		}
		if c.met != nil {
			c.met.AiScalingActions.WithLabelValues(string(action)).Inc()
		}
		c.log.Info("scaled ai population",
			zap.String("instance", rec.InstanceID),
			zap.String("action", string(action)),
			zap.String("ai_type", string(m.Type)),
			zap.Int("count", count))
	}
}

// Forget clears the cooldown record for a closed instance.
func (c *Controller) Forget(instanceID string) {
	c.mu.Lock()
	delete(c.lastAction, instanceID)
	c.mu.Unlock()
}

// Run drives periodic recomputes until the context ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RecomputeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RecomputeOnce(ctx)
		}
	}
}
