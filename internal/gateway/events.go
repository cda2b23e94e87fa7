// Package gateway is the HTTP control surface: admission endpoints, the
// per-session event stream, the moderator API, and the coordinator that
// glues the battle, liveness, chat, and replay machinery together.
package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/dkirby-ms/tilemud/internal/battle"
	"github.com/dkirby-ms/tilemud/internal/chat"
	"github.com/dkirby-ms/tilemud/internal/session"
	"go.uber.org/zap"
)

// ErrNoSubscriber means the session has no live event stream; the chat
// dispatcher retries tiered deliveries on it.
var ErrNoSubscriber = errors.New("session has no event subscriber")

// Event is one server-push frame on a session's stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const subscriberBuffer = 64

// EventSink fans server events out to per-session subscriber channels. It
// is the chat transport and the battle broadcast sink.
type EventSink struct {
	mu       sync.Mutex
	subs     map[string]chan Event
	sessions *session.Registry
	log      *zap.Logger
}

func NewEventSink(sessions *session.Registry, log *zap.Logger) *EventSink {
	return &EventSink{
		subs:     make(map[string]chan Event),
		sessions: sessions,
		log:      log.Named("events"),
	}
}

// Subscribe opens the event stream for a session. A second subscriber
// replaces the first; the old channel is closed.
func (s *EventSink) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	if old, ok := s.subs[sessionID]; ok {
		close(old)
	}
	s.subs[sessionID] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if cur, ok := s.subs[sessionID]; ok && cur == ch {
			delete(s.subs, sessionID)
			close(cur)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Drop closes a session's stream, if open.
func (s *EventSink) Drop(sessionID string) {
	s.mu.Lock()
	if ch, ok := s.subs[sessionID]; ok {
		delete(s.subs, sessionID)
		close(ch)
	}
	s.mu.Unlock()
}

// push offers an event without blocking. A full buffer drops the event;
// the subscriber is falling behind and heartbeats will catch it.
func (s *EventSink) push(sessionID string, ev Event) error {
	s.mu.Lock()
	ch, ok := s.subs[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrNoSubscriber
	}
	select {
	case ch <- ev:
		return nil
	default:
		s.log.Warn("event dropped, subscriber behind",
			zap.String("session", sessionID),
			zap.String("type", ev.Type))
		return nil
	}
}

// Deliver implements chat.Transport.
func (s *EventSink) Deliver(_ context.Context, sessionID string, msg chat.Message) error {
	return s.push(sessionID, Event{Type: "chat", Data: msg})
}

// TilesUpdated implements battle.Sink: the accepted placements of one tick
// go to every active session in the instance.
func (s *EventSink) TilesUpdated(instanceID string, tick uint64, placed []battle.Placement, conflictsResolved int) {
	payload := map[string]any{
		"tick":              tick,
		"placed":            placed,
		"conflictsResolved": conflictsResolved,
	}
	for _, sess := range s.sessions.ActiveSessions(instanceID) {
		_ = s.push(sess.ID, Event{Type: "tiles_updated", Data: payload})
	}
}

// TileRejected implements battle.Sink.
func (s *EventSink) TileRejected(sessionID string, x, y int, reason string) {
	_ = s.push(sessionID, Event{Type: "tile_rejected", Data: map[string]any{
		"x": x, "y": y, "reason": reason,
	}})
}

// BattleResolved implements battle.Sink.
func (s *EventSink) BattleResolved(instanceID string, outcome battle.Outcome, winner string) {
	payload := map[string]any{"outcome": outcome, "winner": winner}
	for _, sess := range s.sessions.ActiveSessions(instanceID) {
		_ = s.push(sess.ID, Event{Type: "battle_resolved", Data: payload})
	}
}

// Notify pushes an arbitrary event to one session.
func (s *EventSink) Notify(sessionID, eventType string, data any) {
	_ = s.push(sessionID, Event{Type: eventType, Data: data})
}
