// Package rules holds the versioned rule-config registry (append-only,
// at most one active config per type) and the scripted victory evaluator.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	TypeArena      Type = "arena"
	TypeBattle     Type = "battle"
	TypeChat       Type = "chat"
	TypeGuild      Type = "guild"
	TypePlayer     Type = "player"
	TypeModeration Type = "moderation"
	TypeSystem     Type = "system"
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var (
	ErrNotFound       = errors.New("rule config not found")
	ErrBadVersion     = errors.New("version is not semver")
	ErrUnknownType    = errors.New("unknown rule config type")
	ErrAlreadyActive  = errors.New("rule config already active")
	ErrEmptyConfig    = errors.New("rule config body is empty")
	ErrDuplicateEntry = errors.New("rule config with this type and version exists")
)

// Config is one immutable rule-config record.
type Config struct {
	ID        string
	Type      Type
	Version   string
	Config    map[string]any
	IsActive  bool
	CreatedAt time.Time
	CreatedBy string
	Checksum  string
}

// VersionStamp is the immutable stamp attached to instances and replays.
type VersionStamp struct {
	Type      Type      `json:"type"`
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
	StampedAt time.Time `json:"stampedAt"`
}

// AuditSink receives one entry per registry mutation.
type AuditSink interface {
	RecordAudit(actor, action, target, detail string)
}

// Store is the persistence seam for config records. Save upserts the
// record including its active flag.
type Store interface {
	Save(ctx context.Context, cfg Config) error
}

type Registry struct {
	mu           sync.RWMutex
	byID         map[string]*Config
	activeByType map[Type]string // type -> active config id
	audit        AuditSink
	store        Store
	now          func() time.Time
	log          *zap.Logger
}

func NewRegistry(audit AuditSink, log *zap.Logger) *Registry {
	return &Registry{
		byID:         make(map[string]*Config),
		activeByType: make(map[Type]string),
		audit:        audit,
		now:          time.Now,
		log:          log.Named("rules"),
	}
}

// SetClock overrides the registry clock. Test use only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// SetStore attaches write-through persistence for config records.
func (r *Registry) SetStore(s Store) { r.store = s }

// persist upserts the record in the background store. Registry state is
// authoritative; a store failure is logged, not propagated.
func (r *Registry) persist(cfg *Config) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Save(ctx, *snapshot(cfg)); err != nil {
		r.log.Error("rule config save failed", zap.String("id", cfg.ID), zap.Error(err))
	}
}

// Restore loads persisted configs into the registry at startup, keeping
// their active flags. It bypasses the audit sink.
func (r *Registry) Restore(cfgs []Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cfgs {
		c := cfgs[i]
		r.byID[c.ID] = &c
		if c.IsActive {
			r.activeByType[c.Type] = c.ID
		}
	}
}

func validType(t Type) bool {
	switch t {
	case TypeArena, TypeBattle, TypeChat, TypeGuild, TypePlayer, TypeModeration, TypeSystem:
		return true
	}
	return false
}

// Checksum computes the canonical checksum of a config body: sha256 over the
// JSON encoding with sorted keys.
func Checksum(body map[string]any) string {
	keys := make([]string, 0, len(body))
	for k := range body {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		b, _ := json.Marshal(body[k])
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(b)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Create appends a new config record. The record starts inactive.
func (r *Registry) Create(t Type, version, createdBy string, body map[string]any) (*Config, error) {
	if !validType(t) {
		return nil, ErrUnknownType
	}
	if !semverRe.MatchString(version) {
		return nil, ErrBadVersion
	}
	if len(body) == 0 {
		return nil, ErrEmptyConfig
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byID {
		if c.Type == t && c.Version == version {
			return nil, ErrDuplicateEntry
		}
	}
	cfg := &Config{
		ID:        uuid.NewString(),
		Type:      t,
		Version:   version,
		Config:    body,
		CreatedAt: r.now(),
		CreatedBy: createdBy,
		Checksum:  Checksum(body),
	}
	r.byID[cfg.ID] = cfg
	r.persist(cfg)
	if r.audit != nil {
		r.audit.RecordAudit(createdBy, "rule_config.create", cfg.ID, string(t)+"@"+version)
	}
	return snapshot(cfg), nil
}

// Activate atomically deactivates the current active config of the target's
// type (if any) and activates the target. Stamps already emitted are never
// touched.
func (r *Registry) Activate(id, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if cfg.IsActive {
		return ErrAlreadyActive
	}
	if prevID, ok := r.activeByType[cfg.Type]; ok {
		r.byID[prevID].IsActive = false
		r.persist(r.byID[prevID])
	}
	cfg.IsActive = true
	r.activeByType[cfg.Type] = id
	r.persist(cfg)
	if r.audit != nil {
		r.audit.RecordAudit(actor, "rule_config.activate", id, string(cfg.Type)+"@"+cfg.Version)
	}
	r.log.Info("rule config activated",
		zap.String("id", id),
		zap.String("type", string(cfg.Type)),
		zap.String("version", cfg.Version))
	return nil
}

// Deactivate clears the active flag. The record is never deleted.
func (r *Registry) Deactivate(id, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !cfg.IsActive {
		return nil
	}
	cfg.IsActive = false
	delete(r.activeByType, cfg.Type)
	r.persist(cfg)
	if r.audit != nil {
		r.audit.RecordAudit(actor, "rule_config.deactivate", id, string(cfg.Type)+"@"+cfg.Version)
	}
	return nil
}

// Get returns a config by id.
func (r *Registry) Get(id string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(cfg), nil
}

// Active returns the active config for a type, if any.
func (r *Registry) Active(t Type) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.activeByType[t]
	if !ok {
		return nil, false
	}
	return snapshot(r.byID[id]), true
}

// ActiveStamp mints a version stamp from the active config of a type.
func (r *Registry) ActiveStamp(t Type) (VersionStamp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.activeByType[t]
	if !ok {
		return VersionStamp{}, false
	}
	c := r.byID[id]
	return VersionStamp{
		Type:      c.Type,
		ID:        c.ID,
		Version:   c.Version,
		Checksum:  c.Checksum,
		StampedAt: r.now(),
	}, true
}

// List returns every record, newest first.
func (r *Registry) List() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, snapshot(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func snapshot(c *Config) *Config {
	cp := *c
	return &cp
}

// String implements fmt.Stringer for log fields.
func (s VersionStamp) String() string {
	return fmt.Sprintf("%s/%s@%s", s.Type, s.ID, s.Version)
}
