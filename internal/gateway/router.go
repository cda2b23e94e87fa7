package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dkirby-ms/tilemud/internal/admission"
	"github.com/dkirby-ms/tilemud/internal/chat"
	"github.com/dkirby-ms/tilemud/internal/instance"
	"github.com/dkirby-ms/tilemud/internal/moderation"
	"github.com/dkirby-ms/tilemud/internal/persist"
	"github.com/dkirby-ms/tilemud/internal/replay"
	"github.com/dkirby-ms/tilemud/internal/rules"
	"github.com/dkirby-ms/tilemud/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// BlockWriter mutates the persistent block list. The player repository
// implements it.
type BlockWriter interface {
	Block(ctx context.Context, ownerID, blockedID string) error
	Unblock(ctx context.Context, ownerID, blockedID string) error
}

// ReplayReader serves sealed replays. The replay repository implements it.
type ReplayReader interface {
	Meta(ctx context.Context, replayID string) (*persist.ReplayMeta, error)
	Events(ctx context.Context, replayID string) ([]replay.Event, error)
}

// AuditReader serves recent audit entries. The audit repository implements it.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]persist.AuditEntry, error)
}

// Server is the HTTP gateway.
type Server struct {
	coord   *Coordinator
	chat    *chat.Dispatcher
	mods    *moderation.Service
	rules   *rules.Registry
	blocks  BlockWriter
	replays ReplayReader
	audit   AuditReader

	mux *chi.Mux
	lim *ipLimiter
	log *zap.Logger
}

func NewServer(
	coord *Coordinator,
	dispatcher *chat.Dispatcher,
	mods *moderation.Service,
	ruleReg *rules.Registry,
	blocks BlockWriter,
	replays ReplayReader,
	audit AuditReader,
	reg *prometheus.Registry,
	connRate float64,
	connBurst int,
	log *zap.Logger,
) *Server {
	s := &Server{
		coord:   coord,
		chat:    dispatcher,
		mods:    mods,
		rules:   ruleReg,
		blocks:  blocks,
		replays: replays,
		audit:   audit,
		lim:     newIPLimiter(connRate, connBurst),
		log:     log.Named("gateway"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.lim.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/admit", s.handleAdmit)
		r.Post("/reconnect", s.handleReconnect)

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", s.handleCreateInstance)
			r.Get("/{id}", s.handleInstanceStatus)
			r.Post("/{id}/start", s.handleStartInstance)
		})

		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/place", s.handlePlace)
			r.Post("/chat", s.handleChat)
			r.Post("/leave", s.handleLeave)
			r.Get("/events", s.handleEvents)
		})

		r.Route("/players/{id}/blocks", func(r chi.Router) {
			r.Post("/", s.handleBlock)
			r.Delete("/{blocked}", s.handleUnblock)
		})

		r.Route("/guilds", func(r chi.Router) {
			r.Post("/", s.handleCreateGuild)
			r.Post("/{id}/members", s.handleJoinGuild)
			r.Delete("/{id}/members/{character}", s.handleLeaveGuild)
		})

		r.Route("/replays/{id}", func(r chi.Router) {
			r.Get("/", s.handleReplayMeta)
			r.Get("/events", s.handleReplayEvents)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.moderatorAuth)
		r.Post("/mute", s.handleMute)
		r.Post("/unmute", s.handleUnmute)
		r.Post("/kick", s.handleKick)
		r.Post("/guilds/{id}/dissolve", s.handleDissolveGuild)
		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleCreateRule)
		r.Post("/rules/{id}/activate", s.handleActivateRule)
		r.Get("/audit", s.handleAuditLog)
	})

	s.mux = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.mux }

// SweepIPBuckets drops idle edge-limiter buckets. Run periodically.
func (s *Server) SweepIPBuckets() { s.lim.sweep() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// decisionStatus maps an admission outcome to an HTTP status.
func decisionStatus(d admission.Decision) int {
	switch d.Outcome {
	case admission.OutcomeAdmitted, admission.OutcomeReplaced:
		return http.StatusOK
	case admission.OutcomeQueued:
		return http.StatusAccepted
	case admission.OutcomeReplaceRequired:
		return http.StatusConflict
	default:
		switch d.Reason {
		case admission.ReasonRateLimited:
			return http.StatusTooManyRequests
		case admission.ReasonInvalidInstance, admission.ReasonNotFound:
			return http.StatusNotFound
		case admission.ReasonTokenExpired:
			return http.StatusGone
		default:
			return http.StatusServiceUnavailable
		}
	}
}

type decisionBody struct {
	Outcome          string `json:"outcome"`
	SessionID        string `json:"sessionId,omitempty"`
	Position         int    `json:"position,omitempty"`
	Depth            int    `json:"depth,omitempty"`
	EstimatedWaitMs  int64  `json:"estimatedWaitMs,omitempty"`
	ReplacementToken string `json:"replacementToken,omitempty"`
	ExistingSession  string `json:"existingSessionId,omitempty"`
	Reason           string `json:"reason,omitempty"`
	RetryAfterMs     int64  `json:"retryAfterMs,omitempty"`
}

func renderDecision(d admission.Decision) decisionBody {
	return decisionBody{
		Outcome:          string(d.Outcome),
		SessionID:        d.SessionID,
		Position:         d.Position,
		Depth:            d.Depth,
		EstimatedWaitMs:  d.EstimatedWait.Milliseconds(),
		ReplacementToken: d.ReplacementToken,
		ExistingSession:  d.ExistingSessionID,
		Reason:           string(d.Reason),
		RetryAfterMs:     d.RetryAfter.Milliseconds(),
	}
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID   string `json:"instanceId"`
		CharacterID  string `json:"characterId"`
		UserID       string `json:"userId"`
		ReplaceToken string `json:"replaceToken"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.InstanceID == "" || req.CharacterID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "instanceId, characterId, userId required")
		return
	}
	d := s.coord.Admit(req.InstanceID, req.CharacterID, req.UserID, req.ReplaceToken)
	writeJSON(w, decisionStatus(d), renderDecision(d))
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &req) || req.Token == "" {
		if req.Token == "" {
			writeError(w, http.StatusBadRequest, "token required")
		}
		return
	}
	d := s.coord.Reconnect(req.Token)
	writeJSON(w, decisionStatus(d), renderDecision(d))
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode   string `json:"mode"`
		Tier   string `json:"tier"`
		Region string `json:"region"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	inst, err := s.coord.CreateInstance(instance.Mode(req.Mode), instance.Tier(req.Tier), req.Region)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       inst.ID,
		"mode":     inst.Mode,
		"tier":     inst.Tier,
		"state":    inst.State,
		"capacity": inst.Capacity(),
		"rules":    inst.RuleStamp,
	})
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.StartInstance(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(instance.StateActive)})
}

func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := s.coord.Instances.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         inst.ID,
		"mode":       inst.Mode,
		"tier":       inst.Tier,
		"state":      inst.State,
		"capacity":   inst.Capacity(),
		"active":     s.coord.Sessions.ActiveCount(id),
		"queueDepth": s.coord.Queues.Depth(id),
		"drainMode":  inst.DrainMode,
		"rules":      inst.RuleStamp,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		RTTMs int64 `json:"rttMs"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.Heartbeat(id, time.Duration(req.RTTMs)*time.Millisecond); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meanRttMs": s.coord.Monitor.MeanRTT(id).Milliseconds(),
	})
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		X        int    `json:"x"`
		Y        int    `json:"y"`
		Sequence uint64 `json:"sequence"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch err := s.coord.PlaceTile(id, req.X, req.Y, req.Sequence); err {
	case nil:
		w.WriteHeader(http.StatusAccepted)
	case ErrUnknownSession:
		writeError(w, http.StatusNotFound, "session not found")
	case ErrActionLimited:
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED")
	case ErrNoEngine:
		writeError(w, http.StatusConflict, "battle not running")
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.coord.Sessions.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	var req struct {
		ChannelType string `json:"channelType"`
		RecipientID string `json:"recipientId"`
		Content     string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	receipt := s.chat.Send(r.Context(), chat.Message{
		ChannelType: chat.ChannelType(req.ChannelType),
		InstanceID:  sess.InstanceID,
		SenderID:    sess.CharacterID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
	})
	status := http.StatusOK
	if receipt.Status == chat.StatusRejected {
		status = http.StatusUnprocessableEntity
		if receipt.Reason == chat.RejectRateLimited {
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, receipt)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.Terminate(id, session.ReasonLeave); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams the session's events as server-sent events until the
// client disconnects or the session's stream is dropped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.coord.Sessions.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, cancel := s.coord.Sink.Subscribe(id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "id")
	var req struct {
		BlockedID string `json:"blockedId"`
	}
	if !decodeBody(w, r, &req) || req.BlockedID == "" {
		if req.BlockedID == "" {
			writeError(w, http.StatusBadRequest, "blockedId required")
		}
		return
	}
	if err := s.blocks.Block(r.Context(), owner, req.BlockedID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "block store unavailable")
		return
	}
	s.coord.Blocks.InvalidatePair(owner, req.BlockedID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "id")
	blocked := chi.URLParam(r, "blocked")
	if err := s.blocks.Unblock(r.Context(), owner, blocked); err != nil {
		writeError(w, http.StatusServiceUnavailable, "block store unavailable")
		return
	}
	s.coord.Blocks.InvalidatePair(owner, blocked)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateGuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		LeaderID string `json:"leaderId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	g, err := s.coord.Guilds.Create(r.Context(), req.Name, req.LeaderID)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": g.ID, "name": g.Name})
}

func (s *Server) handleJoinGuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		CharacterID string `json:"characterId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.Guilds.AddMember(r.Context(), id, req.CharacterID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeaveGuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	character := chi.URLParam(r, "character")
	if err := s.coord.Guilds.RemoveMember(r.Context(), id, character); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplayMeta(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	meta, err := s.replays.Meta(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "replay not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         meta.ID,
		"eventCount": meta.EventCount,
		"byteSize":   meta.ByteSize,
		"sealedAt":   meta.SealedAt,
		"expiresAt":  meta.ExpiresAt,
	})
}

func (s *Server) handleReplayEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.replays.Meta(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "replay not found")
		return
	}
	events, err := s.replays.Events(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "replay store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type moderatorKey struct{}

// moderatorAuth gates the admin routes behind basic auth checked against
// the moderator store.
func (s *Server) moderatorAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="tilemud admin"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		mod, err := s.mods.Authenticate(r.Context(), username, password)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), moderatorKey{}, mod)))
	})
}

func moderatorFrom(r *http.Request) moderation.Moderator {
	mod, _ := r.Context().Value(moderatorKey{}).(moderation.Moderator)
	return mod
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"characterId"`
		Reason      string `json:"reason"`
		Scope       string `json:"scope"`
		DurationSec int64  `json:"durationSec"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.mods.Mute(r.Context(), moderatorFrom(r), req.CharacterID, req.Reason,
		moderation.MuteScope(req.Scope), time.Duration(req.DurationSec)*time.Second)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"characterId": rec.CharacterID,
		"scope":       rec.Scope,
		"expiresAt":   rec.ExpiresAt,
	})
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"characterId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mods.Unmute(r.Context(), moderatorFrom(r), req.CharacterID); err != nil {
		writeError(w, http.StatusNotFound, "no active mute")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CharacterID string `json:"characterId"`
		Reason      string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.mods.Kick(r.Context(), moderatorFrom(r), req.CharacterID, req.Reason); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDissolveGuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.mods.DissolveGuild(r.Context(), moderatorFrom(r), id, req.Reason)
	switch err {
	case nil:
		w.WriteHeader(http.StatusNoContent)
	case moderation.ErrForbidden:
		writeError(w, http.StatusForbidden, "admin role required")
	default:
		writeError(w, http.StatusNotFound, err.Error())
	}
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "audit store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.List())
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type     string         `json:"type"`
		Version  string         `json:"version"`
		Config   map[string]any `json:"config"`
		Activate bool           `json:"activate"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	mod := moderatorFrom(r)
	cfg, err := s.rules.Create(rules.Type(req.Type), req.Version, mod.ID, req.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Activate {
		if err := s.rules.Activate(cfg.ID, mod.ID); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       cfg.ID,
		"checksum": cfg.Checksum,
	})
}

func (s *Server) handleActivateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.rules.Activate(id, moderatorFrom(r).ID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
