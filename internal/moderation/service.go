// Package moderation implements the operator surface: authenticated
// moderator commands, the mute table, and guild administration.
package moderation

import (
	"context"
	"errors"
	"time"

	"github.com/dkirby-ms/tilemud/internal/chat"
	"github.com/dkirby-ms/tilemud/internal/session"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized   = errors.New("moderator authentication failed")
	ErrForbidden      = errors.New("moderator role insufficient")
	ErrTargetNotFound = errors.New("moderation target not found")
)

// Role orders moderator privileges.
type Role string

const (
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Moderator is one operator account. PasswordHash is bcrypt.
type Moderator struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
}

// ModeratorStore loads operator accounts.
type ModeratorStore interface {
	ModeratorByUsername(ctx context.Context, username string) (Moderator, error)
}

// SessionControl terminates sessions on behalf of a moderator. The
// admission controller implements it.
type SessionControl interface {
	Terminate(sessionID string, reason session.TerminateReason) error
}

// AuditSink records every moderation action.
type AuditSink interface {
	RecordAudit(actor, action, target, detail string)
}

// Broadcaster pushes system notices to affected players.
type Broadcaster interface {
	Send(ctx context.Context, msg chat.Message) chat.Receipt
}

// Service ties the moderation commands together.
type Service struct {
	moderators ModeratorStore
	mutes      *MuteStore
	guilds     *GuildRegistry
	sessions   *session.Registry
	control    SessionControl
	audit      AuditSink
	broadcast  Broadcaster

	log *zap.Logger
}

func NewService(
	moderators ModeratorStore,
	mutes *MuteStore,
	guilds *GuildRegistry,
	sessions *session.Registry,
	control SessionControl,
	audit AuditSink,
	broadcast Broadcaster,
	log *zap.Logger,
) *Service {
	return &Service{
		moderators: moderators,
		mutes:      mutes,
		guilds:     guilds,
		sessions:   sessions,
		control:    control,
		audit:      audit,
		broadcast:  broadcast,
		log:        log.Named("moderation"),
	}
}

// Authenticate verifies a moderator's credentials. Unknown users and wrong
// passwords return the same error.
func (s *Service) Authenticate(ctx context.Context, username, password string) (Moderator, error) {
	mod, err := s.moderators.ModeratorByUsername(ctx, username)
	if err != nil {
		// Burn a comparison so the two failure paths cost the same.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0XlVYxGF1p5Wy1nq4y1pJ1eGzOa"),
			[]byte(password))
		return Moderator{}, ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(mod.PasswordHash), []byte(password)); err != nil {
		return Moderator{}, ErrUnauthorized
	}
	return mod, nil
}

// Mute silences a character's chat within a scope. Zero duration mutes
// indefinitely; an empty scope mutes globally.
func (s *Service) Mute(ctx context.Context, actor Moderator, characterID, reason string, scope MuteScope, d time.Duration) (MuteRecord, error) {
	rec := s.mutes.Mute(characterID, actor.ID, reason, scope, d)
	s.record(actor, "mute", characterID, reason)
	s.notify(ctx, characterID, "Your chat privileges have been suspended.")
	return rec, nil
}

// Unmute lifts an active mute.
func (s *Service) Unmute(ctx context.Context, actor Moderator, characterID string) error {
	if !s.mutes.Unmute(characterID) {
		return ErrTargetNotFound
	}
	s.record(actor, "unmute", characterID, "")
	s.notify(ctx, characterID, "Your chat privileges have been restored.")
	return nil
}

// Kick force-terminates a character's live session. The freed slot promotes
// the waitlist head as with any other departure.
func (s *Service) Kick(ctx context.Context, actor Moderator, characterID, reason string) error {
	sess, ok := s.sessions.ByCharacter(characterID)
	if !ok {
		return ErrTargetNotFound
	}
	s.notify(ctx, characterID, "You have been removed from the instance by a moderator.")
	if err := s.control.Terminate(sess.ID, session.ReasonKick); err != nil {
		return err
	}
	s.record(actor, "kick", characterID, reason)
	s.log.Info("character kicked",
		zap.String("character", characterID),
		zap.String("moderator", actor.ID))
	return nil
}

// DissolveGuild removes a guild and notifies its members. Admin only.
func (s *Service) DissolveGuild(ctx context.Context, actor Moderator, guildID, reason string) error {
	if actor.Role != RoleAdmin {
		return ErrForbidden
	}
	members, err := s.guilds.Dissolve(ctx, guildID)
	if err != nil {
		return err
	}
	for _, m := range members {
		s.notify(ctx, m, "Your guild has been dissolved.")
	}
	s.record(actor, "guild.dissolve", guildID, reason)
	return nil
}

func (s *Service) record(actor Moderator, action, target, detail string) {
	if s.audit != nil {
		s.audit.RecordAudit(actor.ID, "moderation."+action, target, detail)
	}
}

func (s *Service) notify(ctx context.Context, characterID, content string) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.Send(ctx, chat.Message{
		ChannelType: chat.ChannelSystem,
		RecipientID: characterID,
		Content:     content,
	})
}

// HashPassword produces a bcrypt hash for provisioning moderator accounts.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}
