// Package ratelimit implements sliding-window counters per (principal,
// channel) plus the admission lockout that punishes rejection storms.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Channel string

const (
	ChannelChat      Channel = "chat"
	ChannelAction    Channel = "action"
	ChannelAdmission Channel = "admission"
)

// Result is the outcome of a single check. On allow the attempt is already
// recorded; check-and-record is one atomic section.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Config struct {
	Window            time.Duration
	ChatPerWindow     int
	ActionPerWindow   int
	AdmissionsPerUser int
	LockoutThreshold  int
	LockoutWindow     time.Duration
	Lockout           time.Duration
}

type key struct {
	principal string
	channel   Channel
}

type Limiter struct {
	mu         sync.Mutex
	windows    map[key][]time.Time
	lockouts   map[string]time.Time // userID -> lockout end
	rejections map[string][]time.Time

	cfg Config
	now func() time.Time
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.ChatPerWindow <= 0 {
		cfg.ChatPerWindow = 20
	}
	if cfg.ActionPerWindow <= 0 {
		cfg.ActionPerWindow = 60
	}
	if cfg.AdmissionsPerUser <= 0 {
		cfg.AdmissionsPerUser = 10
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = 10 * time.Second
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = 30 * time.Second
	}
	return &Limiter{
		windows:    make(map[key][]time.Time),
		lockouts:   make(map[string]time.Time),
		rejections: make(map[string][]time.Time),
		cfg:        cfg,
		now:        time.Now,
		log:        log.Named("ratelimit"),
	}
}

// SetClock overrides the limiter clock. Test use only.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

func (l *Limiter) limitFor(c Channel) int {
	switch c {
	case ChannelChat:
		return l.cfg.ChatPerWindow
	case ChannelAction:
		return l.cfg.ActionPerWindow
	case ChannelAdmission:
		return l.cfg.AdmissionsPerUser
	}
	return l.cfg.ActionPerWindow
}

// Check evaluates and, when allowed, records one attempt for the principal
// on the channel.
func (l *Limiter) Check(principal string, channel Channel) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key{principal, channel}
	limit := l.limitFor(channel)
	events := evict(l.windows[k], now.Add(-l.cfg.Window))

	if len(events) >= limit {
		l.windows[k] = events
		resetAt := events[0].Add(l.cfg.Window)
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	events = append(events, now)
	l.windows[k] = events
	return Result{
		Allowed:   true,
		Remaining: limit - len(events),
		ResetAt:   events[0].Add(l.cfg.Window),
	}
}

// InLockout reports whether the user is serving an admission lockout and, if
// so, how long remains.
func (l *Limiter) InLockout(userID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.lockouts[userID]
	if !ok {
		return false, 0
	}
	now := l.now()
	if !now.Before(until) {
		delete(l.lockouts, userID)
		return false, 0
	}
	return true, until.Sub(now)
}

// RecordRejection notes one admission rejection for the user. Crossing the
// threshold inside the lockout window starts a lockout.
func (l *Limiter) RecordRejection(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	rej := evict(l.rejections[userID], now.Add(-l.cfg.LockoutWindow))
	rej = append(rej, now)
	l.rejections[userID] = rej
	if len(rej) >= l.cfg.LockoutThreshold {
		l.lockouts[userID] = now.Add(l.cfg.Lockout)
		delete(l.rejections, userID)
		l.log.Warn("admission lockout",
			zap.String("user", userID),
			zap.Duration("duration", l.cfg.Lockout))
	}
}

// Sweep drops windows that have fully aged out. Run periodically.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, events := range l.windows {
		if kept := evict(events, now.Add(-l.cfg.Window)); len(kept) == 0 {
			delete(l.windows, k)
		} else {
			l.windows[k] = kept
		}
	}
	for u, rej := range l.rejections {
		if kept := evict(rej, now.Add(-l.cfg.LockoutWindow)); len(kept) == 0 {
			delete(l.rejections, u)
		} else {
			l.rejections[u] = kept
		}
	}
	for u, until := range l.lockouts {
		if !now.Before(until) {
			delete(l.lockouts, u)
		}
	}
}

// evict drops timestamps at or before the cutoff. Events are appended in
// time order, so a single scan from the front suffices.
func evict(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append([]time.Time(nil), events[i:]...)
}
