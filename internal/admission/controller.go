// Package admission is the single synchronous decision point for a client
// entering an instance: admit, queue, replace, or reject, atomically with
// respect to session identity, capacity, queue depth, and rate limits.
package admission

import (
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/instance"
	"github.com/dkirby-ms/tilemud/internal/metrics"
	"github.com/dkirby-ms/tilemud/internal/ratelimit"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeAdmitted        Outcome = "admitted"
	OutcomeQueued          Outcome = "queued"
	OutcomeReplaceRequired Outcome = "replace_required"
	OutcomeReplaced        Outcome = "replaced"
	OutcomeRejected        Outcome = "rejected"
)

// Reason values are stable strings consumed by clients.
type Reason string

const (
	ReasonRateLimited         Reason = "RATE_LIMITED"
	ReasonCapacityFull        Reason = "CAPACITY_FULL"
	ReasonQueueFull           Reason = "QUEUE_FULL"
	ReasonAlreadyInSession    Reason = "ALREADY_IN_SESSION"
	ReasonInstanceUnavailable Reason = "INSTANCE_UNAVAILABLE"
	ReasonInvalidInstance     Reason = "INVALID_INSTANCE"
	ReasonInternalError       Reason = "INTERNAL_ERROR"
	ReasonTokenExpired        Reason = "TOKEN_EXPIRED"
	ReasonNotFound            Reason = "NOT_FOUND"
)

// Decision is the outcome of one admit or reconnect call.
type Decision struct {
	Outcome           Outcome
	SessionID         string
	Position          int
	Depth             int
	EstimatedWait     time.Duration
	ReplacementToken  string
	ExistingSessionID string
	Reason            Reason
	RetryAfter        time.Duration
}

// replaceGrant is a short-lived permission to kick one's own other session.
type replaceGrant struct {
	characterID string
	sessionID   string
	expiresAt   time.Time
}

type Config struct {
	ReplaceTokenTTL time.Duration
}

// Controller composes the session registry, waitlist, limiter, and instance
// table behind per-instance and per-character locks acquired in a fixed
// order (instance first, then character).
type Controller struct {
	sessions  *session.Registry
	queues    *Queues
	limiter   *ratelimit.Limiter
	instances *instance.Registry

	lockMu    sync.Mutex
	instLocks map[string]*sync.Mutex
	charLocks map[string]*sync.Mutex

	grantMu       sync.Mutex
	replaceGrants map[string]replaceGrant

	statMu     sync.Mutex
	lastAdmit  map[string]time.Time
	avgSpacing map[string]time.Duration

	// OnPromoted fires after a queue head is promoted to a session, outside
	// the admission locks.
	OnPromoted func(e *Entry, s *session.Session)

	cfg Config
	met *metrics.Metrics
	now func() time.Time
	log *zap.Logger
}

func NewController(
	sessions *session.Registry,
	queues *Queues,
	limiter *ratelimit.Limiter,
	instances *instance.Registry,
	cfg Config,
	met *metrics.Metrics,
	log *zap.Logger,
) *Controller {
	if cfg.ReplaceTokenTTL <= 0 {
		cfg.ReplaceTokenTTL = 5 * time.Minute
	}
	return &Controller{
		sessions:      sessions,
		queues:        queues,
		limiter:       limiter,
		instances:     instances,
		instLocks:     make(map[string]*sync.Mutex),
		charLocks:     make(map[string]*sync.Mutex),
		replaceGrants: make(map[string]replaceGrant),
		lastAdmit:     make(map[string]time.Time),
		avgSpacing:    make(map[string]time.Duration),
		cfg:           cfg,
		met:           met,
		now:           time.Now,
		log:           log.Named("admission"),
	}
}

// SetClock overrides the controller clock. Test use only.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

func (c *Controller) keyLock(m map[string]*sync.Mutex, k string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	mu, ok := m[k]
	if !ok {
		mu = &sync.Mutex{}
		m[k] = mu
	}
	return mu
}

// lockPair acquires the instance lock then the character lock. All admission
// paths use this order; never the reverse.
func (c *Controller) lockPair(instanceID, characterID string) func() {
	im := c.keyLock(c.instLocks, instanceID)
	cm := c.keyLock(c.charLocks, characterID)
	im.Lock()
	cm.Lock()
	return func() {
		cm.Unlock()
		im.Unlock()
	}
}

func (c *Controller) reject(userID string, reason Reason, retryAfter time.Duration) Decision {
	c.limiter.RecordRejection(userID)
	c.count(OutcomeRejected)
	return Decision{Outcome: OutcomeRejected, Reason: reason, RetryAfter: retryAfter}
}

func (c *Controller) count(o Outcome) {
	if c.met != nil {
		c.met.AdmissionOutcomes.WithLabelValues(string(o)).Inc()
	}
}

// Admit runs the atomic admit/queue/replace/reject decision for a
// (character, instance) pair. At most one mutation happens per call; any
// internal failure leaves no side effects.
func (c *Controller) Admit(instanceID, characterID, userID, replaceToken string) Decision {
	if locked, remaining := c.limiter.InLockout(userID); locked {
		c.count(OutcomeRejected)
		return Decision{Outcome: OutcomeRejected, Reason: ReasonRateLimited, RetryAfter: remaining}
	}
	if res := c.limiter.Check(userID, ratelimit.ChannelAdmission); !res.Allowed {
		if c.met != nil {
			c.met.RateLimitHits.WithLabelValues(string(ratelimit.ChannelAdmission)).Inc()
		}
		return c.reject(userID, ReasonRateLimited, res.RetryAfter)
	}

	decision, freedInstance := c.admitLocked(instanceID, characterID, userID, replaceToken)
	if freedInstance != "" && freedInstance != instanceID {
		// Replacing freed a slot on the old instance; advance its waitlist.
		c.Promote(freedInstance)
	}
	return decision
}

// admitLocked holds the instance and character locks for the whole decision.
func (c *Controller) admitLocked(instanceID, characterID, userID, replaceToken string) (Decision, string) {
	unlock := c.lockPair(instanceID, characterID)
	defer unlock()

	inst, err := c.instances.Get(instanceID)
	if err != nil {
		return c.reject(userID, ReasonInvalidInstance, 0), ""
	}
	if inst.Terminal() || inst.DrainMode {
		return c.reject(userID, ReasonInstanceUnavailable, 0), ""
	}

	replacedSession := ""
	freedInstance := ""
	if existing, ok := c.sessions.ByCharacter(characterID); ok {
		switch existing.State {
		case session.StateActive:
			if replaceToken == "" {
				token := c.mintReplaceGrant(characterID, existing.ID)
				c.count(OutcomeReplaceRequired)
				return Decision{
					Outcome:           OutcomeReplaceRequired,
					ExistingSessionID: existing.ID,
					ReplacementToken:  token,
				}, ""
			}
			if !c.consumeReplaceGrant(replaceToken, characterID, existing.ID) {
				return c.reject(userID, ReasonAlreadyInSession, 0), ""
			}
			if _, err := c.sessions.Terminate(existing.ID, session.ReasonReplace); err != nil {
				return c.reject(userID, ReasonInternalError, 0), ""
			}
			replacedSession = existing.ID
			freedInstance = existing.InstanceID
		case session.StateGrace:
			// A fresh admit while in grace supersedes the reclaim promise;
			// the grace session is replaced without a token.
			if _, err := c.sessions.Terminate(existing.ID, session.ReasonReplace); err != nil {
				return c.reject(userID, ReasonInternalError, 0), ""
			}
		}
	}

	var decision Decision
	if c.sessions.ActiveCount(instanceID) < inst.Capacity() {
		s, err := c.sessions.Create(instanceID, characterID, userID, replacedSession)
		if err != nil {
			return c.reject(userID, ReasonInternalError, 0), freedInstance
		}
		c.queues.RemoveEverywhere(characterID)
		c.noteAdmission(instanceID)
		outcome := OutcomeAdmitted
		if replacedSession != "" {
			outcome = OutcomeReplaced
		}
		c.count(outcome)
		decision = Decision{Outcome: outcome, SessionID: s.ID}
	} else {
		pos, depth, ok := c.queues.Enqueue(instanceID, characterID, userID)
		if !ok {
			decision = c.reject(userID, ReasonQueueFull, 0)
		} else {
			c.count(OutcomeQueued)
			decision = Decision{
				Outcome:       OutcomeQueued,
				Position:      pos,
				Depth:         depth,
				EstimatedWait: c.estimateWait(instanceID, pos, depth),
			}
		}
		if c.met != nil {
			c.met.QueueDepth.WithLabelValues(instanceID).Set(float64(c.queues.Depth(instanceID)))
		}
	}
	return decision, freedInstance
}

// Reconnect redeems a reconnection token. The grace slot was released at
// drop time, so reconnection competes with the queue for capacity.
func (c *Controller) Reconnect(token string) Decision {
	s, err := c.sessions.ResolveToken(token)
	switch err {
	case nil:
	case session.ErrTokenExpired:
		c.count(OutcomeRejected)
		return Decision{Outcome: OutcomeRejected, Reason: ReasonTokenExpired}
	default:
		c.count(OutcomeRejected)
		return Decision{Outcome: OutcomeRejected, Reason: ReasonNotFound}
	}

	unlock := c.lockPair(s.InstanceID, s.CharacterID)
	defer unlock()

	inst, err := c.instances.Get(s.InstanceID)
	if err != nil || inst.Terminal() {
		c.count(OutcomeRejected)
		return Decision{Outcome: OutcomeRejected, Reason: ReasonInstanceUnavailable}
	}
	if c.sessions.ActiveCount(s.InstanceID) >= inst.Capacity() {
		// The reclaim promise is advisory; the client re-enters the normal
		// admission flow.
		c.count(OutcomeRejected)
		return Decision{Outcome: OutcomeRejected, Reason: ReasonCapacityFull}
	}
	restored, err := c.sessions.Restore(token)
	if err != nil {
		c.count(OutcomeRejected)
		return Decision{Outcome: OutcomeRejected, Reason: ReasonTokenExpired}
	}
	c.count(OutcomeAdmitted)
	return Decision{Outcome: OutcomeAdmitted, SessionID: restored.ID}
}

// Terminate ends a session and advances the instance's waitlist.
func (c *Controller) Terminate(sessionID string, reason session.TerminateReason) error {
	s, err := c.sessions.Terminate(sessionID, reason)
	if err != nil {
		return err
	}
	c.Promote(s.InstanceID)
	return nil
}

// Promote fills free slots from the waitlist head. Stale entries, where the
// character acquired a session elsewhere or the entry aged out, are
// discarded without consuming a slot.
func (c *Controller) Promote(instanceID string) {
	c.queues.ReapExpired()
	type promoted struct {
		entry *Entry
		sess  *session.Session
	}
	var done []promoted

	for {
		head := c.queues.Peek(instanceID)
		if head == nil {
			break
		}
		unlock := c.lockPair(instanceID, head.CharacterID)

		inst, err := c.instances.Get(instanceID)
		if err != nil || inst.Terminal() || inst.DrainMode {
			unlock()
			break
		}
		// Re-check the head under the lock; it may have shifted.
		head = c.queues.Peek(instanceID)
		if head == nil {
			unlock()
			break
		}
		if _, has := c.sessions.ByCharacter(head.CharacterID); has {
			c.queues.DequeueHead(instanceID)
			unlock()
			continue
		}
		if c.sessions.ActiveCount(instanceID) >= inst.Capacity() {
			unlock()
			break
		}
		entry := c.queues.DequeueHead(instanceID)
		s, err := c.sessions.Create(instanceID, entry.CharacterID, entry.UserID, "")
		if err != nil {
			c.log.Error("promotion failed", zap.String("character", entry.CharacterID), zap.Error(err))
			unlock()
			continue
		}
		c.noteAdmission(instanceID)
		c.count(OutcomeAdmitted)
		done = append(done, promoted{entry, s})
		unlock()
	}

	if c.met != nil {
		c.met.QueueDepth.WithLabelValues(instanceID).Set(float64(c.queues.Depth(instanceID)))
	}
	if c.OnPromoted != nil {
		for _, p := range done {
			c.OnPromoted(p.entry, p.sess)
		}
	}
}

func (c *Controller) mintReplaceGrant(characterID, sessionID string) string {
	token := uuid.NewString()
	c.grantMu.Lock()
	c.replaceGrants[token] = replaceGrant{
		characterID: characterID,
		sessionID:   sessionID,
		expiresAt:   c.now().Add(c.cfg.ReplaceTokenTTL),
	}
	c.grantMu.Unlock()
	return token
}

func (c *Controller) consumeReplaceGrant(token, characterID, sessionID string) bool {
	c.grantMu.Lock()
	defer c.grantMu.Unlock()
	g, ok := c.replaceGrants[token]
	if !ok {
		return false
	}
	delete(c.replaceGrants, token)
	return g.characterID == characterID && g.sessionID == sessionID && c.now().Before(g.expiresAt)
}

// noteAdmission feeds the moving average of admission spacing used for the
// advisory wait estimate.
func (c *Controller) noteAdmission(instanceID string) {
	c.statMu.Lock()
	defer c.statMu.Unlock()
	now := c.now()
	if last, ok := c.lastAdmit[instanceID]; ok {
		interval := now.Sub(last)
		if avg, ok := c.avgSpacing[instanceID]; ok {
			c.avgSpacing[instanceID] = (avg*4 + interval) / 5
		} else {
			c.avgSpacing[instanceID] = interval
		}
	}
	c.lastAdmit[instanceID] = now
}

func (c *Controller) estimateWait(instanceID string, pos, depth int) time.Duration {
	c.statMu.Lock()
	avg, ok := c.avgSpacing[instanceID]
	c.statMu.Unlock()
	if !ok || avg <= 0 {
		avg = 5 * time.Second
	}
	est := time.Duration(float64(pos+1) * float64(avg) * (1 + float64(depth)/100))
	return est
}
