// Package liveness tracks per-player heartbeats and runs the per-arena
// quorum checks that drive soft-fail handling (pause / migrate / abort).
package liveness

import (
	"context"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/metrics"
	"go.uber.org/zap"
)

const rttRingSize = 16

type playerState struct {
	lastHeartbeatAt     time.Time
	consecutiveFailures int
	rtt                 [rttRingSize]time.Duration
	rttLen              int
	rttPos              int
}

type arenaState struct {
	initialHumans int
	members       map[string]struct{} // session ids
	failureStreak int
}

type Config struct {
	HeartbeatTimeout       time.Duration
	MaxConsecutiveFailures int
	QuorumThresholdPct     float64
	CheckPeriod            time.Duration
}

// Monitor is the shared heartbeat book. Request handlers record beats;
// arena workers read quorum.
type Monitor struct {
	mu      sync.Mutex
	players map[string]*playerState
	arenas  map[string]*arenaState

	cfg Config
	met *metrics.Metrics
	now func() time.Time
	log *zap.Logger
}

func NewMonitor(cfg Config, met *metrics.Metrics, log *zap.Logger) *Monitor {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.QuorumThresholdPct <= 0 {
		cfg.QuorumThresholdPct = 60
	}
	if cfg.CheckPeriod <= 0 {
		cfg.CheckPeriod = 10 * time.Second
	}
	return &Monitor{
		players: make(map[string]*playerState),
		arenas:  make(map[string]*arenaState),
		cfg:     cfg,
		met:     met,
		now:     time.Now,
		log:     log.Named("liveness"),
	}
}

// SetClock overrides the monitor clock. Test use only.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Track begins liveness accounting for a session.
func (m *Monitor) Track(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.players[sessionID]; !ok {
		m.players[sessionID] = &playerState{lastHeartbeatAt: m.now()}
	}
}

// Forget drops a session from the book and from any arena membership.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players, sessionID)
	for _, a := range m.arenas {
		delete(a.members, sessionID)
	}
}

// Heartbeat records one beat with its observed round-trip time.
func (m *Monitor) Heartbeat(sessionID string, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[sessionID]
	if !ok {
		p = &playerState{}
		m.players[sessionID] = p
	}
	p.lastHeartbeatAt = m.now()
	p.consecutiveFailures = 0
	p.rtt[p.rttPos] = rtt
	p.rttPos = (p.rttPos + 1) % rttRingSize
	if p.rttLen < rttRingSize {
		p.rttLen++
	}
}

// MarkFailure records one missed beat.
func (m *Monitor) MarkFailure(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.players[sessionID]; ok {
		p.consecutiveFailures++
		if m.met != nil {
			m.met.HeartbeatMisses.Inc()
		}
	}
}

// Unresponsive reports whether the player crossed either failure gate:
// too many consecutive misses, or silence past the heartbeat timeout.
func (m *Monitor) Unresponsive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unresponsiveLocked(sessionID)
}

func (m *Monitor) unresponsiveLocked(sessionID string) bool {
	p, ok := m.players[sessionID]
	if !ok {
		return true
	}
	if p.consecutiveFailures >= m.cfg.MaxConsecutiveFailures {
		return true
	}
	return m.now().Sub(p.lastHeartbeatAt) > m.cfg.HeartbeatTimeout
}

// MeanRTT returns the average of the bounded RTT ring, or zero.
func (m *Monitor) MeanRTT(sessionID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[sessionID]
	if !ok || p.rttLen == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.rttLen; i++ {
		sum += p.rtt[i]
	}
	return sum / time.Duration(p.rttLen)
}

// AttachArena registers an arena with its fixed quorum denominator.
func (m *Monitor) AttachArena(arenaID string, initialHumans int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.arenas[arenaID] = &arenaState{
		initialHumans: initialHumans,
		members:       make(map[string]struct{}),
	}
}

// DetachArena removes an arena from the book.
func (m *Monitor) DetachArena(arenaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.arenas, arenaID)
}

// Join adds a session to an arena's membership.
func (m *Monitor) Join(arenaID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.arenas[arenaID]; ok {
		a.members[sessionID] = struct{}{}
	}
}

// Leave removes a session from an arena's membership.
func (m *Monitor) Leave(arenaID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.arenas[arenaID]; ok {
		delete(a.members, sessionID)
	}
}

// CheckArenaQuorum runs one quorum check: counts responsive members,
// updates the failure streak, and returns the decision. Internal errors
// fail safe to pause, never silent continuation.
func (m *Monitor) CheckArenaQuorum(arenaID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.arenas[arenaID]
	if !ok {
		return Decision{Action: ActionPause, Confidence: 0.10}
	}

	responsive := 0
	for sid := range a.members {
		if !m.unresponsiveLocked(sid) {
			responsive++
		}
	}

	if Held(a.initialHumans, responsive, m.cfg.QuorumThresholdPct) {
		a.failureStreak = 0
	} else {
		a.failureStreak++
	}

	d := Decide(a.initialHumans, responsive, a.failureStreak, m.cfg.QuorumThresholdPct)
	if m.met != nil {
		m.met.QuorumDecisions.WithLabelValues(string(d.Action)).Inc()
	}
	if d.Action != ActionContinue {
		m.log.Warn("quorum degraded",
			zap.String("arena", arenaID),
			zap.String("action", string(d.Action)),
			zap.Float64("quorum_pct", d.QuorumPct),
			zap.Int("responsive", d.Responsive),
			zap.Int("streak", d.Streak))
	}
	return d
}

// SweepUnresponsive returns the tracked sessions that are currently
// unresponsive. The caller moves them to grace.
func (m *Monitor) SweepUnresponsive() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for sid := range m.players {
		if m.unresponsiveLocked(sid) {
			out = append(out, sid)
		}
	}
	return out
}

// RunArenaChecks drives periodic quorum checks for one arena until the
// context ends or the arena detaches. Decisions go to onDecision; the
// supervisor owns pause/migrate/abort semantics.
func (m *Monitor) RunArenaChecks(ctx context.Context, arenaID string, onDecision func(Decision)) {
	ticker := time.NewTicker(m.cfg.CheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			_, attached := m.arenas[arenaID]
			m.mu.Unlock()
			if !attached {
				return
			}
			onDecision(m.CheckArenaQuorum(arenaID))
		}
	}
}
