// Package session owns the authoritative CharacterSession table: one
// non-terminating session per character, grace-period reclamation via
// single-use reconnection tokens, and the per-instance active-set that
// backs capacity accounting.
package session

import (
	"errors"
	"time"

	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateActive      State = "active"
	StateGrace       State = "grace"
	StateTerminating State = "terminating"
)

// TerminateReason explains why a session left the table.
type TerminateReason string

const (
	ReasonLeave          TerminateReason = "leave"
	ReasonKick           TerminateReason = "kick"
	ReasonReplace        TerminateReason = "replace"
	ReasonGraceExpired   TerminateReason = "grace_expired"
	ReasonInstanceClosed TerminateReason = "instance_closed"
	ReasonTimeout        TerminateReason = "timeout"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrAlreadyPresent = errors.New("character already has a session")
	ErrTokenNotFound  = errors.New("reconnection token not found")
	ErrTokenExpired   = errors.New("reconnection token expired")
	ErrNotActive      = errors.New("session is not active")
	ErrNotInGrace     = errors.New("session is not in grace")
)

// Session is the authoritative presence record for one character in one
// instance. Callers outside the registry only ever see copies.
type Session struct {
	ID              string
	CharacterID     string
	UserID          string
	InstanceID      string
	State           State
	AdmittedAt      time.Time
	LastHeartbeatAt time.Time
	GraceExpiresAt  time.Time // zero unless in grace
	ReconnectToken  string    // set while in grace, single use
	ReplacementOf   string    // prior session id, if this session replaced one
	TerminatedAt    time.Time
	TerminateReason TerminateReason
}

type Config struct {
	GracePeriod       time.Duration
	ReconnectTokenTTL time.Duration
	TerminatedLinger  time.Duration
}

// Registry maintains the session table plus three indexes: byCharacter
// (non-terminating only), byInstance (active only; grace sessions do not
// hold a capacity slot), and byToken (grace only).
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	byCharacter map[string]string
	byInstance  map[string]map[string]struct{}
	byToken     map[string]string

	cfg Config
	now func() time.Time
	log *zap.Logger
}

func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 60 * time.Second
	}
	if cfg.ReconnectTokenTTL <= 0 || cfg.ReconnectTokenTTL > cfg.GracePeriod {
		// Token TTL never exceeds the grace period.
		cfg.ReconnectTokenTTL = cfg.GracePeriod
	}
	if cfg.TerminatedLinger <= 0 {
		cfg.TerminatedLinger = 2 * time.Second
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		byCharacter: make(map[string]string),
		byInstance:  make(map[string]map[string]struct{}),
		byToken:     make(map[string]string),
		cfg:         cfg,
		now:         time.Now,
		log:         log.Named("sessions"),
	}
}

// SetClock overrides the registry clock. Test use only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Create admits a new active session for a character. Fails if the character
// already has a non-terminating session; the admission controller resolves
// that case before calling.
func (r *Registry) Create(instanceID, characterID, userID, replacementOf string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byCharacter[characterID]; dup {
		return nil, ErrAlreadyPresent
	}
	now := r.now()
	s := &Session{
		ID:              uuid.NewString(),
		CharacterID:     characterID,
		UserID:          userID,
		InstanceID:      instanceID,
		State:           StateActive,
		AdmittedAt:      now,
		LastHeartbeatAt: now,
		ReplacementOf:   replacementOf,
	}
	r.sessions[s.ID] = s
	r.byCharacter[characterID] = s.ID
	r.instanceSet(instanceID)[s.ID] = struct{}{}
	r.log.Debug("session created",
		zap.String("session", s.ID),
		zap.String("character", characterID),
		zap.String("instance", instanceID))
	return copySession(s), nil
}

// Get returns a copy of a session by id, including terminating ones that
// have not been swept yet.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ByCharacter returns the character's non-terminating session, if any.
func (r *Registry) ByCharacter(characterID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byCharacter[characterID]
	if !ok {
		return nil, false
	}
	return copySession(r.sessions[id]), true
}

// ActiveCount returns the number of sessions holding a capacity slot in the
// instance. Grace sessions do not count.
func (r *Registry) ActiveCount(instanceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byInstance[instanceID])
}

// ActiveSessions returns copies of the instance's slot-holding sessions.
func (r *Registry) ActiveSessions(instanceID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byInstance[instanceID]
	out := make([]*Session, 0, len(set))
	for id := range set {
		out = append(out, copySession(r.sessions[id]))
	}
	return out
}

// Heartbeat records client liveness on a session.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.State == StateTerminating {
		return ErrNotFound
	}
	s.LastHeartbeatAt = r.now()
	return nil
}

// BeginGrace moves an active session to grace when its transport drops. The
// capacity slot is freed immediately so the queue can advance; reconnection
// races re-admission by design. Returns the minted single-use token.
func (r *Registry) BeginGrace(sessionID string) (token string, expiresAt time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", time.Time{}, ErrNotFound
	}
	if s.State != StateActive {
		return "", time.Time{}, ErrNotActive
	}
	now := r.now()
	s.State = StateGrace
	s.GraceExpiresAt = now.Add(r.cfg.GracePeriod)
	s.ReconnectToken = uuid.NewString()
	delete(r.instanceSet(s.InstanceID), s.ID)
	r.byToken[s.ReconnectToken] = s.ID
	r.log.Info("session entered grace",
		zap.String("session", s.ID),
		zap.String("character", s.CharacterID),
		zap.Time("expires", s.GraceExpiresAt))
	return s.ReconnectToken, s.GraceExpiresAt, nil
}

// ResolveToken maps a reconnection token to its grace session without
// consuming it. The admission controller checks capacity before Restore.
func (r *Registry) ResolveToken(token string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byToken[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	s := r.sessions[id]
	if !r.now().Before(s.GraceExpiresAt) {
		return nil, ErrTokenExpired
	}
	return copySession(s), nil
}

// Restore consumes a valid token and returns the session to active,
// retaking a capacity slot. The caller holds the instance admission lock
// and has verified capacity.
func (r *Registry) Restore(token string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byToken[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	s := r.sessions[id]
	if s.State != StateGrace {
		return nil, ErrNotInGrace
	}
	if !r.now().Before(s.GraceExpiresAt) {
		return nil, ErrTokenExpired
	}
	delete(r.byToken, token)
	s.State = StateActive
	s.GraceExpiresAt = time.Time{}
	s.ReconnectToken = ""
	s.LastHeartbeatAt = r.now()
	r.instanceSet(s.InstanceID)[s.ID] = struct{}{}
	r.log.Info("session reconnected",
		zap.String("session", s.ID),
		zap.String("character", s.CharacterID))
	return copySession(s), nil
}

// Terminate moves a session to terminating and removes it from every index.
// The record lingers (observable via Get) until Sweep removes it.
func (r *Registry) Terminate(sessionID string, reason TerminateReason) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.State == StateTerminating {
		return nil, ErrNotFound
	}
	r.terminateLocked(s, reason)
	return copySession(s), nil
}

func (r *Registry) terminateLocked(s *Session, reason TerminateReason) {
	if s.State == StateActive {
		delete(r.instanceSet(s.InstanceID), s.ID)
	}
	if s.ReconnectToken != "" {
		delete(r.byToken, s.ReconnectToken)
		s.ReconnectToken = ""
	}
	delete(r.byCharacter, s.CharacterID)
	s.State = StateTerminating
	s.GraceExpiresAt = time.Time{}
	s.TerminatedAt = r.now()
	s.TerminateReason = reason
	r.log.Info("session terminated",
		zap.String("session", s.ID),
		zap.String("character", s.CharacterID),
		zap.String("reason", string(reason)))
}

// TerminateInstance terminates every non-terminating session of an instance
// (resolve, abort, dissolve). Returns the terminated sessions.
func (r *Registry) TerminateInstance(instanceID string, reason TerminateReason) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.InstanceID == instanceID && s.State != StateTerminating {
			r.terminateLocked(s, reason)
			out = append(out, copySession(s))
		}
	}
	return out
}

// ExpireGraces terminates every grace session whose window has closed.
func (r *Registry) ExpireGraces() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []*Session
	for _, s := range r.sessions {
		if s.State == StateGrace && !now.Before(s.GraceExpiresAt) {
			r.terminateLocked(s, ReasonGraceExpired)
			out = append(out, copySession(s))
		}
	}
	return out
}

// Sweep drops terminating records older than the linger window.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.cfg.TerminatedLinger)
	n := 0
	for id, s := range r.sessions {
		if s.State == StateTerminating && s.TerminatedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *Registry) instanceSet(instanceID string) map[string]struct{} {
	set, ok := r.byInstance[instanceID]
	if !ok {
		set = make(map[string]struct{})
		r.byInstance[instanceID] = set
	}
	return set
}

func copySession(s *Session) *Session {
	cp := *s
	return &cp
}
