package persist

import (
	"context"
	"time"

	"github.com/dkirby-ms/tilemud/internal/chat"
)

// ChatRepo persists exactly-once chat messages before delivery.
// Implements chat.Store.
type ChatRepo struct {
	db *DB
}

func NewChatRepo(db *DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// SaveMessage stores one message. Idempotent on message id so a retried
// send never double-inserts.
func (r *ChatRepo) SaveMessage(ctx context.Context, msg chat.Message) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO chat_messages (id, channel_type, instance_id, sender_id, recipient_id, content, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, string(msg.ChannelType), msg.InstanceID, msg.SenderID,
		msg.RecipientID, msg.Content, msg.CreatedAt)
	return err
}

// MessagesSince lists stored messages for an instance after a cutoff,
// oldest first. Used to replay missed system traffic on reconnect.
func (r *ChatRepo) MessagesSince(ctx context.Context, instanceID string, since time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, channel_type, COALESCE(instance_id, ''), COALESCE(sender_id, ''),
		        COALESCE(recipient_id, ''), content, created_at
		 FROM chat_messages
		 WHERE instance_id = $1 AND created_at > $2
		 ORDER BY created_at LIMIT $3`,
		instanceID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var ct string
		if err := rows.Scan(&m.ID, &ct, &m.InstanceID, &m.SenderID,
			&m.RecipientID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ChannelType = chat.ChannelType(ct)
		out = append(out, m)
	}
	return out, rows.Err()
}
