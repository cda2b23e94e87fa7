package moderation

import (
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/chat"
	"go.uber.org/zap"
)

// MuteScope bounds where a mute applies.
type MuteScope string

const (
	ScopeGlobal MuteScope = "global"
	ScopeGuild  MuteScope = "guild"
	ScopeArena  MuteScope = "arena"
)

// MuteRecord is one active chat mute.
type MuteRecord struct {
	CharacterID string
	Scope       MuteScope
	MutedBy     string
	Reason      string
	MutedAt     time.Time
	ExpiresAt   time.Time // zero means indefinite
}

// scopeCovers maps a mute scope onto the channels it silences.
func scopeCovers(scope MuteScope, channel chat.ChannelType) bool {
	switch scope {
	case ScopeGlobal:
		return true
	case ScopeGuild:
		return channel == chat.ChannelGuild || channel == chat.ChannelParty
	case ScopeArena:
		return channel == chat.ChannelArena || channel == chat.ChannelAmbient
	default:
		return false
	}
}

// MuteStore keeps the active mutes, one record per character and scope.
// Expiry is lazy on read with a periodic sweep for the long tail.
type MuteStore struct {
	mu    sync.Mutex
	mutes map[string]map[MuteScope]MuteRecord

	now func() time.Time
	log *zap.Logger
}

func NewMuteStore(log *zap.Logger) *MuteStore {
	return &MuteStore{
		mutes: make(map[string]map[MuteScope]MuteRecord),
		now:   time.Now,
		log:   log.Named("mutes"),
	}
}

// SetClock overrides the store clock. Test use only.
func (s *MuteStore) SetClock(now func() time.Time) { s.now = now }

// Mute records or extends a mute. Zero duration means indefinite; an empty
// scope mutes globally.
func (s *MuteStore) Mute(characterID, mutedBy, reason string, scope MuteScope, d time.Duration) MuteRecord {
	if scope == "" {
		scope = ScopeGlobal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec := MuteRecord{
		CharacterID: characterID,
		Scope:       scope,
		MutedBy:     mutedBy,
		Reason:      reason,
		MutedAt:     now,
	}
	if d > 0 {
		rec.ExpiresAt = now.Add(d)
	}
	if s.mutes[characterID] == nil {
		s.mutes[characterID] = make(map[MuteScope]MuteRecord)
	}
	s.mutes[characterID][scope] = rec
	return rec
}

// Unmute lifts every mute on the character. Returns false if none was
// active.
func (s *MuteStore) Unmute(characterID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mutes[characterID]) == 0 {
		return false
	}
	delete(s.mutes, characterID)
	return true
}

// IsMuted reports whether the character holds an unexpired mute covering
// the channel. Expired entries are dropped on the spot. Implements
// chat.MuteChecker.
func (s *MuteStore) IsMuted(characterID string, channel chat.ChannelType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for scope, rec := range s.mutes[characterID] {
		if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
			delete(s.mutes[characterID], scope)
			continue
		}
		if scopeCovers(scope, channel) {
			return true
		}
	}
	return false
}

// Get returns the character's active mute in a scope, if any.
func (s *MuteStore) Get(characterID string, scope MuteScope) (MuteRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mutes[characterID][scope]
	if !ok {
		return MuteRecord{}, false
	}
	if !rec.ExpiresAt.IsZero() && !s.now().Before(rec.ExpiresAt) {
		delete(s.mutes[characterID], scope)
		return MuteRecord{}, false
	}
	return rec, true
}

// Sweep drops expired mutes. Run periodically.
func (s *MuteStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, byScope := range s.mutes {
		for scope, rec := range byScope {
			if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
				delete(byScope, scope)
				n++
			}
		}
		if len(byScope) == 0 {
			delete(s.mutes, id)
		}
	}
	return n
}
