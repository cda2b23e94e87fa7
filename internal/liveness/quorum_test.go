package liveness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	const threshold = 60.0

	cases := []struct {
		name       string
		total      int
		responsive int
		streak     int
		action     Action
		confidence float64
	}{
		{"solo arena aborts", 1, 1, 0, ActionAbort, 0.95},
		{"empty arena aborts", 0, 0, 0, ActionAbort, 0.95},
		{"collapse below 30pct aborts", 10, 3, 0, ActionAbort, 0.90},
		{"single responsive aborts", 10, 1, 0, ActionAbort, 0.90},
		{"long degradation aborts", 10, 5, 4, ActionAbort, 0.80},
		{"short degradation pauses", 10, 5, 1, ActionPause, 0.70},
		{"healthy continues", 10, 9, 0, ActionContinue, 0.80},
		{"borderline 40pct migrates", 10, 4, 3, ActionMigrate, 0.60},
		{"full quorum continues", 4, 4, 0, ActionContinue, 0.80},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.total, tc.responsive, tc.streak, threshold)
			assert.Equal(t, tc.action, d.Action)
			assert.InDelta(t, tc.confidence, d.Confidence, 0.001)
		})
	}
}

func TestDecideReportsQuorumPct(t *testing.T) {
	d := Decide(8, 6, 0, 60)
	assert.InDelta(t, 75.0, d.QuorumPct, 0.001)
	assert.Equal(t, 6, d.Responsive)
	assert.Equal(t, 8, d.Total)
}

func TestHeld(t *testing.T) {
	assert.True(t, Held(10, 6, 60))
	assert.False(t, Held(10, 5, 60))
	assert.False(t, Held(2, 1, 10), "fewer than two responsive never holds")
	assert.False(t, Held(0, 5, 60))
}
