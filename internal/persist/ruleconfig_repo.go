package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkirby-ms/tilemud/internal/rules"
	"go.uber.org/zap"
)

// RuleConfigRepo persists rule-config versions and the audit trail.
type RuleConfigRepo struct {
	db  *DB
	log *zap.Logger
}

func NewRuleConfigRepo(db *DB, log *zap.Logger) *RuleConfigRepo {
	return &RuleConfigRepo{db: db, log: log.Named("ruleconfig_repo")}
}

// Save upserts one rule-config version.
func (r *RuleConfigRepo) Save(ctx context.Context, cfg rules.Config) error {
	body, err := json.Marshal(cfg.Config)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO rule_configs (id, rule_type, version, body, checksum, is_active, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET is_active = $6`,
		cfg.ID, string(cfg.Type), cfg.Version, body, cfg.Checksum, cfg.IsActive, cfg.CreatedBy, cfg.CreatedAt)
	return err
}

// LoadAll returns every stored rule-config version, oldest first.
func (r *RuleConfigRepo) LoadAll(ctx context.Context) ([]rules.Config, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, rule_type, version, body, checksum, is_active, created_by, created_at
		 FROM rule_configs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []rules.Config
	for rows.Next() {
		var cfg rules.Config
		var ruleType string
		var body []byte
		if err := rows.Scan(&cfg.ID, &ruleType, &cfg.Version, &body,
			&cfg.Checksum, &cfg.IsActive, &cfg.CreatedBy, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		cfg.Type = rules.Type(ruleType)
		if err := json.Unmarshal(body, &cfg.Config); err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// AuditRepo appends to the append-only audit log. Implements the audit
// sinks of the rules registry and the moderation service: writes go through
// a background context so an expired request cannot drop an audit row.
type AuditRepo struct {
	db  *DB
	log *zap.Logger
}

func NewAuditRepo(db *DB, log *zap.Logger) *AuditRepo {
	return &AuditRepo{db: db, log: log.Named("audit")}
}

func (r *AuditRepo) RecordAudit(actor, action, target, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.db.Pool.Exec(ctx,
		`INSERT INTO audit_log (actor, action, target, detail)
		 VALUES ($1, $2, $3, $4)`,
		actor, action, target, detail); err != nil {
		r.log.Error("audit write failed",
			zap.String("action", action),
			zap.String("target", target),
			zap.Error(err))
	}
}

// AuditEntry is one audit row.
type AuditEntry struct {
	ID         int64
	Actor      string
	Action     string
	Target     string
	Detail     string
	RecordedAt time.Time
}

// Recent returns the newest audit entries, newest first.
func (r *AuditRepo) Recent(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, actor, action, target, detail, recorded_at
		 FROM audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
