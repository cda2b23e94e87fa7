// Package instance models game instances (battles and arenas) and their
// forward-only state machine.
package instance

import (
	"errors"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/rules"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeBattle Mode = "battle"
	ModeArena  Mode = "arena"
)

type State string

const (
	StatePending  State = "pending"
	StateActive   State = "active"
	StateResolved State = "resolved"
	StateAborted  State = "aborted"
)

type Tier string

const (
	// Battle tiers.
	TierStandard Tier = "standard" // 8 players
	TierLarge    Tier = "large"    // 16 players

	// Arena tiers.
	TierTutorial Tier = "tutorial" // 80 players
	TierSkirmish Tier = "skirmish" // 160 players
	TierEpic     Tier = "epic"     // 300 players
)

var (
	ErrNotFound      = errors.New("instance not found")
	ErrBadTier       = errors.New("tier does not match mode")
	ErrTerminal      = errors.New("instance is in a terminal state")
	ErrBadTransition = errors.New("instance state transition not allowed")
)

// Instance is a self-contained game session. Mutable fields are guarded by
// the owning Registry; callers receive snapshots.
type Instance struct {
	ID                string
	Mode              Mode
	Tier              Tier
	State             State
	RuleStamp         rules.VersionStamp
	ShardKey          string
	Region            string
	InitialHumanCount int
	DrainMode         bool
	CreatedAt         time.Time
	StartedAt         time.Time
	EndedAt           time.Time
}

// Capacity returns the hard session cap for a mode/tier pair.
func Capacity(mode Mode, tier Tier) int {
	switch mode {
	case ModeBattle:
		if tier == TierLarge {
			return 16
		}
		return 8
	case ModeArena:
		switch tier {
		case TierSkirmish:
			return 160
		case TierEpic:
			return 300
		default:
			return 80
		}
	}
	return 0
}

// Capacity returns the instance's session cap.
func (i *Instance) Capacity() int { return Capacity(i.Mode, i.Tier) }

// Terminal reports whether the instance has reached resolved or aborted.
func (i *Instance) Terminal() bool {
	return i.State == StateResolved || i.State == StateAborted
}

func tierValid(mode Mode, tier Tier) bool {
	switch mode {
	case ModeBattle:
		return tier == TierStandard || tier == TierLarge
	case ModeArena:
		return tier == TierTutorial || tier == TierSkirmish || tier == TierEpic
	}
	return false
}

// Registry is the in-memory instance table.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	now       func() time.Time
	log       *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		now:       time.Now,
		log:       log.Named("instances"),
	}
}

// SetClock overrides the registry clock. Test use only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Create registers a new pending instance, stamped with the given rule
// config version.
func (r *Registry) Create(mode Mode, tier Tier, region, shardKey string, stamp rules.VersionStamp) (*Instance, error) {
	if !tierValid(mode, tier) {
		return nil, ErrBadTier
	}
	inst := &Instance{
		ID:        uuid.NewString(),
		Mode:      mode,
		Tier:      tier,
		State:     StatePending,
		RuleStamp: stamp,
		ShardKey:  shardKey,
		Region:    region,
		CreatedAt: r.now(),
	}
	r.mu.Lock()
	r.instances[inst.ID] = inst
	r.mu.Unlock()
	r.log.Info("instance created",
		zap.String("instance", inst.ID),
		zap.String("mode", string(mode)),
		zap.String("tier", string(tier)),
		zap.Stringer("rules", stamp))
	snap := *inst
	return &snap, nil
}

// Get returns a snapshot of the instance.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	snap := *inst
	return &snap, nil
}

// Transition advances the instance state. Transitions are forward-only:
// pending -> active -> resolved|aborted; pending may abort directly.
func (r *Registry) Transition(id string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return ErrNotFound
	}
	if inst.Terminal() {
		return ErrTerminal
	}
	switch {
	case inst.State == StatePending && to == StateActive:
		inst.StartedAt = r.now()
	case inst.State == StateActive && (to == StateResolved || to == StateAborted):
		inst.EndedAt = r.now()
	case inst.State == StatePending && to == StateAborted:
		inst.EndedAt = r.now()
	default:
		return ErrBadTransition
	}
	inst.State = to
	r.log.Info("instance state change",
		zap.String("instance", id),
		zap.String("state", string(to)))
	return nil
}

// SetInitialHumans records the human population at arena/battle start. The
// quorum denominator never changes after this.
func (r *Registry) SetInitialHumans(id string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.InitialHumanCount = n
	return nil
}

// SetDrain toggles drain mode: the instance stops admitting but keeps
// running until its sessions leave.
func (r *Registry) SetDrain(id string, drain bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.DrainMode = drain
	return nil
}

// List returns snapshots of every instance.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		snap := *inst
		out = append(out, &snap)
	}
	return out
}
