package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()
	m := NewMonitor(Config{
		HeartbeatTimeout:       30 * time.Second,
		MaxConsecutiveFailures: 3,
		QuorumThresholdPct:     60,
		CheckPeriod:            10 * time.Second,
	}, nil, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	return m, &now
}

func TestUnresponsiveGates(t *testing.T) {
	m, now := newTestMonitor(t)
	m.Track("s1")
	assert.False(t, m.Unresponsive("s1"))

	// Gate 1: consecutive failures.
	m.MarkFailure("s1")
	m.MarkFailure("s1")
	assert.False(t, m.Unresponsive("s1"))
	m.MarkFailure("s1")
	assert.True(t, m.Unresponsive("s1"))

	// A beat clears the streak.
	m.Heartbeat("s1", 20*time.Millisecond)
	assert.False(t, m.Unresponsive("s1"))

	// Gate 2: silence past the timeout.
	*now = now.Add(31 * time.Second)
	assert.True(t, m.Unresponsive("s1"))

	// Untracked sessions are unresponsive.
	assert.True(t, m.Unresponsive("ghost"))
}

func TestMeanRTTBoundedRing(t *testing.T) {
	m, _ := newTestMonitor(t)
	assert.Equal(t, time.Duration(0), m.MeanRTT("s1"))

	m.Heartbeat("s1", 10*time.Millisecond)
	m.Heartbeat("s1", 30*time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, m.MeanRTT("s1"))

	// Overfill the ring; the mean must track only the retained samples.
	for i := 0; i < 32; i++ {
		m.Heartbeat("s1", 40*time.Millisecond)
	}
	assert.Equal(t, 40*time.Millisecond, m.MeanRTT("s1"))
}

func TestCheckArenaQuorumStreak(t *testing.T) {
	m, now := newTestMonitor(t)
	m.AttachArena("arena-1", 4)
	for _, sid := range []string{"s1", "s2", "s3", "s4"} {
		m.Track(sid)
		m.Join("arena-1", sid)
	}

	d := m.CheckArenaQuorum("arena-1")
	assert.Equal(t, ActionContinue, d.Action)
	assert.Equal(t, 0, d.Streak)

	// Two players go silent: 50% of the fixed denominator.
	*now = now.Add(31 * time.Second)
	m.Heartbeat("s1", time.Millisecond)
	m.Heartbeat("s2", time.Millisecond)

	d = m.CheckArenaQuorum("arena-1")
	assert.Equal(t, ActionPause, d.Action)
	assert.Equal(t, 1, d.Streak)

	d = m.CheckArenaQuorum("arena-1")
	assert.Equal(t, 2, d.Streak, "streak grows while quorum stays lost")

	// Recovery resets the streak.
	m.Heartbeat("s3", time.Millisecond)
	m.Heartbeat("s4", time.Millisecond)
	d = m.CheckArenaQuorum("arena-1")
	assert.Equal(t, ActionContinue, d.Action)
	assert.Equal(t, 0, d.Streak)
}

func TestQuorumDenominatorIsFixed(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.AttachArena("arena-1", 10)
	for _, sid := range []string{"s1", "s2", "s3"} {
		m.Track(sid)
		m.Join("arena-1", sid)
	}

	// 3 of 10 responsive: leavers degrade quorum instead of shrinking it.
	d := m.CheckArenaQuorum("arena-1")
	assert.Equal(t, ActionAbort, d.Action)
	assert.InDelta(t, 30.0, d.QuorumPct, 0.001)
}

func TestDetachedArenaFailsSafeToPause(t *testing.T) {
	m, _ := newTestMonitor(t)
	d := m.CheckArenaQuorum("missing")
	assert.Equal(t, ActionPause, d.Action)
}

func TestForgetRemovesArenaMembership(t *testing.T) {
	m, _ := newTestMonitor(t)
	m.AttachArena("arena-1", 2)
	m.Track("s1")
	m.Track("s2")
	m.Join("arena-1", "s1")
	m.Join("arena-1", "s2")

	m.Forget("s1")
	d := m.CheckArenaQuorum("arena-1")
	assert.Equal(t, 1, d.Responsive)
}

func TestSweepUnresponsive(t *testing.T) {
	m, now := newTestMonitor(t)
	m.Track("s1")
	m.Track("s2")
	*now = now.Add(31 * time.Second)
	m.Heartbeat("s2", time.Millisecond)

	out := m.SweepUnresponsive()
	require.Len(t, out, 1)
	assert.Equal(t, "s1", out[0])
}
