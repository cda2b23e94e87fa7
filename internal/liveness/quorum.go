package liveness

// Action is what the soft-fail monitor tells the arena supervisor to do.
type Action string

const (
	ActionContinue Action = "continue"
	ActionPause    Action = "pause"
	ActionMigrate  Action = "migrate"
	ActionAbort    Action = "abort"
)

// Decision is one quorum-check verdict.
type Decision struct {
	Action     Action
	Confidence float64
	QuorumPct  float64
	Responsive int
	Total      int
	Streak     int
}

// Decide is the pure quorum decision function over (total, responsive,
// failureStreak). Total is the arena's initial human count: the denominator
// is fixed at start so late leavers degrade quorum instead of shrinking it.
// Rows apply top-down.
func Decide(total, responsive, failureStreak int, thresholdPct float64) Decision {
	pct := 0.0
	if total > 0 {
		pct = float64(responsive) / float64(total) * 100
	}
	d := Decision{QuorumPct: pct, Responsive: responsive, Total: total, Streak: failureStreak}

	switch {
	case total < 2:
		d.Action, d.Confidence = ActionAbort, 0.95
	case pct <= 30 || responsive < 2:
		d.Action, d.Confidence = ActionAbort, 0.90
	case pct < thresholdPct && failureStreak > 3:
		d.Action, d.Confidence = ActionAbort, 0.80
	case pct < thresholdPct && failureStreak <= 2:
		d.Action, d.Confidence = ActionPause, 0.70
	case responsive >= 3 && pct >= 30 && pct <= 40:
		d.Action, d.Confidence = ActionMigrate, 0.60
	default:
		d.Action, d.Confidence = ActionContinue, 0.80
	}
	return d
}

// Held reports whether quorum is satisfied: at least thresholdPct of the
// initial humans responsive and never fewer than two.
func Held(total, responsive int, thresholdPct float64) bool {
	if responsive < 2 {
		return false
	}
	if total <= 0 {
		return false
	}
	return float64(responsive)/float64(total)*100 >= thresholdPct
}
