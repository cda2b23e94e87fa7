// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AdmissionOutcomes *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	TickDuration      *prometheus.HistogramVec
	ChatDeliveries    *prometheus.CounterVec
	ChatRetries       prometheus.Counter
	HeartbeatMisses   prometheus.Counter
	QuorumDecisions   *prometheus.CounterVec
	ReplayFlushes     *prometheus.CounterVec
	AiScalingActions  *prometheus.CounterVec
	RateLimitHits     *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid default-registry collisions.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmissionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilemud_admission_outcomes_total",
			Help: "Admission decisions by outcome.",
		}, []string{"outcome"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tilemud_admission_queue_depth",
			Help: "Waitlist depth per instance.",
		}, []string{"instance"}),
		TickDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tilemud_battle_tick_seconds",
			Help:    "Battle tick duration (resolution + broadcast).",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"instance", "player_bucket"}),
		ChatDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilemud_chat_deliveries_total",
			Help: "Chat delivery results by tier and status.",
		}, []string{"tier", "status"}),
		ChatRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "tilemud_chat_retries_total",
			Help: "Chat delivery retry attempts.",
		}),
		HeartbeatMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "tilemud_heartbeat_misses_total",
			Help: "Heartbeat deadline misses.",
		}),
		QuorumDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilemud_quorum_decisions_total",
			Help: "Arena quorum decisions by action.",
		}, []string{"action"}),
		ReplayFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilemud_replay_flushes_total",
			Help: "Replay buffer flushes by result.",
		}, []string{"result"}),
		AiScalingActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilemud_ai_scaling_actions_total",
			Help: "AI elasticity actions by kind.",
		}, []string{"action"}),
		RateLimitHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tilemud_rate_limit_hits_total",
			Help: "Rate limiter denials by channel.",
		}, []string{"channel"}),
	}
}

// PlayerBucket coarsens a player count into a stable label value.
func PlayerBucket(n int) string {
	switch {
	case n <= 8:
		return "0-8"
	case n <= 16:
		return "9-16"
	case n <= 80:
		return "17-80"
	case n <= 160:
		return "81-160"
	default:
		return "161+"
	}
}
