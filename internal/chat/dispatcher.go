// Package chat routes in-battle messages through the validation pipeline
// and delivers them per channel tier: exactly-once for private and guild
// traffic, at-least-once for arena and global broadcasts, best-effort for
// ambient channels.
package chat

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dkirby-ms/tilemud/internal/blocklist"
	"github.com/dkirby-ms/tilemud/internal/metrics"
	"github.com/dkirby-ms/tilemud/internal/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

// Tier is the delivery guarantee attached to a channel type.
type Tier string

const (
	TierExactlyOnce Tier = "exactly_once"
	TierAtLeastOnce Tier = "at_least_once"
	TierBestEffort  Tier = "best_effort"
)

// ChannelType names the routing scope of a message.
type ChannelType string

const (
	ChannelSystem  ChannelType = "system"
	ChannelDirect  ChannelType = "direct"
	ChannelParty   ChannelType = "party"
	ChannelGuild   ChannelType = "guild"
	ChannelArena   ChannelType = "arena"
	ChannelGlobal  ChannelType = "global"
	ChannelAmbient ChannelType = "ambient"
)

// TierFor maps a channel type to its delivery tier. Private and guild
// channels carry the exactly-once guarantee; arena and global broadcasts
// retry at-least-once; ambient noise is best-effort.
func TierFor(ct ChannelType) Tier {
	switch ct {
	case ChannelSystem, ChannelDirect, ChannelParty, ChannelGuild:
		return TierExactlyOnce
	case ChannelArena, ChannelGlobal:
		return TierAtLeastOnce
	default:
		return TierBestEffort
	}
}

// Stable rejection reasons surfaced to the sender.
const (
	RejectInvalid     = "INVALID_MESSAGE"
	RejectRateLimited = "RATE_LIMITED"
	RejectMuted       = "MUTED"
	RejectBlocked     = "BLOCKED"
	RejectDuplicate   = "DUPLICATE"
)

const maxContentLen = 1000

// Status of a delivery receipt.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Message is one chat payload after admission to the pipeline.
type Message struct {
	ID          string
	ChannelType ChannelType
	InstanceID  string
	SenderID    string // character id; empty for system messages
	RecipientID string // character id for direct, guild/party id otherwise
	Content     string
	CreatedAt   time.Time
}

// RecipientReceipt tracks one recipient's delivery, including how many
// attempts it took.
type RecipientReceipt struct {
	SessionID string
	Status    Status
	Attempts  int
}

// Receipt tells the sender what happened to the message. Recipients carries
// the per-session outcomes; retries update them in place until finalized.
type Receipt struct {
	MessageID  string
	Status     Status
	Reason     string
	Delivered  int
	Pending    int
	Recipients []RecipientReceipt
}

// Transport pushes a message to one connected session. Implemented by the
// gateway's event sink.
type Transport interface {
	Deliver(ctx context.Context, sessionID string, msg Message) error
}

// Resolver expands a message into its recipient sessions.
type Resolver interface {
	Recipients(msg Message) []string
}

// MuteChecker answers whether a character is muted on a channel.
type MuteChecker interface {
	IsMuted(characterID string, channel ChannelType) bool
}

// Store persists exactly-once messages before any delivery attempt.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
}

type Config struct {
	DedupWindow   time.Duration
	RetryInterval time.Duration
	PendingLimit  int
	// Retry caps per tier; best-effort never retries.
	ExactlyOnceRetries int
	AtLeastOnceRetries int
}

type pending struct {
	msg         Message
	sessionID   string
	tier        Tier
	attempts    int
	nextRetryAt time.Time
	index       int
}

// retryQueue is a min-heap on nextRetryAt.
type retryQueue []*pending

func (q retryQueue) Len() int           { return len(q) }
func (q retryQueue) Less(i, j int) bool { return q[i].nextRetryAt.Before(q[j].nextRetryAt) }
func (q retryQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *retryQueue) Push(x any)        { p := x.(*pending); p.index = len(*q); *q = append(*q, p) }
func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return p
}

type receiptEntry struct {
	rc *Receipt
	at time.Time
}

// Dispatcher runs the chat pipeline: validate, rate-limit, mute gate,
// block gate, dedup, then tiered delivery.
type Dispatcher struct {
	mu       sync.Mutex
	dedup    map[string]time.Time
	retries  retryQueue
	receipts map[string]*receiptEntry

	transport Transport
	resolver  Resolver
	limiter   *ratelimit.Limiter
	mutes     MuteChecker
	blocks    *blocklist.Cache
	store     Store

	cfg Config
	met *metrics.Metrics
	now func() time.Time
	log *zap.Logger
}

func NewDispatcher(
	transport Transport,
	resolver Resolver,
	limiter *ratelimit.Limiter,
	mutes MuteChecker,
	blocks *blocklist.Cache,
	store Store,
	cfg Config,
	met *metrics.Metrics,
	log *zap.Logger,
) *Dispatcher {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 10000
	}
	if cfg.ExactlyOnceRetries <= 0 {
		cfg.ExactlyOnceRetries = 3
	}
	if cfg.AtLeastOnceRetries <= 0 {
		cfg.AtLeastOnceRetries = 5
	}
	return &Dispatcher{
		dedup:     make(map[string]time.Time),
		receipts:  make(map[string]*receiptEntry),
		transport: transport,
		resolver:  resolver,
		limiter:   limiter,
		mutes:     mutes,
		blocks:    blocks,
		store:     store,
		cfg:       cfg,
		met:       met,
		now:       time.Now,
		log:       log.Named("chat"),
	}
}

// SetClock overrides the dispatcher clock. Test use only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// maxRetries is the retry cap for a tier, excluding the initial attempt.
func (d *Dispatcher) maxRetries(tier Tier) int {
	switch tier {
	case TierExactlyOnce:
		return d.cfg.ExactlyOnceRetries
	case TierAtLeastOnce:
		return d.cfg.AtLeastOnceRetries
	default:
		return 0
	}
}

// Send runs the full pipeline for one message. System messages bypass the
// sender-side gates (rate limit, mute, dedup).
func (d *Dispatcher) Send(ctx context.Context, msg Message) Receipt {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = d.now()
	}
	tier := TierFor(msg.ChannelType)

	// Length bounds are in characters, after normalization.
	if n := utf8.RuneCountInString(norm.NFC.String(msg.Content)); n == 0 || n > maxContentLen {
		return d.reject(msg, tier, RejectInvalid)
	}

	if msg.ChannelType != ChannelSystem {
		if res := d.limiter.Check(msg.SenderID, ratelimit.ChannelChat); !res.Allowed {
			if d.met != nil {
				d.met.RateLimitHits.WithLabelValues(string(ratelimit.ChannelChat)).Inc()
			}
			return d.reject(msg, tier, RejectRateLimited)
		}
		if d.mutes != nil && d.mutes.IsMuted(msg.SenderID, msg.ChannelType) {
			return d.reject(msg, tier, RejectMuted)
		}
		if msg.ChannelType == ChannelDirect && d.blocks != nil &&
			d.blocks.IsBlocked(ctx, msg.SenderID, msg.RecipientID) {
			return d.reject(msg, tier, RejectBlocked)
		}
		if tier == TierExactlyOnce && d.isDuplicate(msg) {
			return d.reject(msg, tier, RejectDuplicate)
		}
	}

	if tier == TierExactlyOnce && d.store != nil {
		if err := d.store.SaveMessage(ctx, msg); err != nil {
			// Persist-before-deliver: an unsaved exactly-once message is
			// never pushed.
			d.log.Error("message persist failed", zap.Error(err))
			return d.reject(msg, tier, RejectInvalid)
		}
	}

	return d.deliver(ctx, msg, tier)
}

func (d *Dispatcher) reject(msg Message, tier Tier, reason string) Receipt {
	if d.met != nil {
		d.met.ChatDeliveries.WithLabelValues(string(tier), string(StatusRejected)).Inc()
	}
	return Receipt{MessageID: msg.ID, Status: StatusRejected, Reason: reason}
}

// isDuplicate records and checks the dedup key: sender, message timestamp,
// and the SHA-256 of the NFC-normalized content. The same content resent
// with a later timestamp is a distinct message.
func (d *Dispatcher) isDuplicate(msg Message) bool {
	sum := sha256.Sum256([]byte(norm.NFC.String(msg.Content)))
	key := msg.SenderID + "|" +
		strconv.FormatInt(msg.CreatedAt.UnixNano(), 10) + "|" +
		hex.EncodeToString(sum[:])

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.dedup[key]; ok && now.Sub(at) < d.cfg.DedupWindow {
		return true
	}
	d.dedup[key] = now
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message, tier Tier) Receipt {
	recipients := d.resolver.Recipients(msg)
	rc := &Receipt{MessageID: msg.ID, Status: StatusDelivered}
	for _, sid := range recipients {
		if err := d.transport.Deliver(ctx, sid, msg); err != nil {
			if d.maxRetries(tier) == 0 {
				// Dropped, by contract.
				rc.Recipients = append(rc.Recipients, RecipientReceipt{
					SessionID: sid, Status: StatusFailed, Attempts: 1,
				})
				continue
			}
			d.schedule(msg, sid, tier, 1)
			rc.Recipients = append(rc.Recipients, RecipientReceipt{
				SessionID: sid, Status: StatusPending, Attempts: 1,
			})
			rc.Pending++
			continue
		}
		rc.Recipients = append(rc.Recipients, RecipientReceipt{
			SessionID: sid, Status: StatusDelivered, Attempts: 1,
		})
		rc.Delivered++
	}
	if rc.Pending > 0 {
		rc.Status = StatusPending
	}
	if d.met != nil {
		d.met.ChatDeliveries.WithLabelValues(string(tier), string(rc.Status)).Inc()
	}

	d.mu.Lock()
	d.receipts[msg.ID] = &receiptEntry{rc: rc, at: d.now()}
	out := snapshotReceipt(rc)
	d.mu.Unlock()
	return out
}

func snapshotReceipt(rc *Receipt) Receipt {
	out := *rc
	out.Recipients = append([]RecipientReceipt(nil), rc.Recipients...)
	return out
}

// ReceiptFor returns the current receipt for a message, updated by any
// retries that have run since Send.
func (d *Dispatcher) ReceiptFor(messageID string) (Receipt, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.receipts[messageID]
	if !ok {
		return Receipt{}, false
	}
	return snapshotReceipt(entry.rc), true
}

// settleRecipient updates one recipient's line on the stored receipt after
// a retry resolves it.
func (d *Dispatcher) settleRecipient(messageID, sessionID string, status Status, attempts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.receipts[messageID]
	if !ok {
		return
	}
	rc := entry.rc
	for i := range rc.Recipients {
		if rc.Recipients[i].SessionID != sessionID {
			continue
		}
		if rc.Recipients[i].Status == StatusPending {
			rc.Pending--
			if status == StatusDelivered {
				rc.Delivered++
			}
		}
		rc.Recipients[i].Status = status
		rc.Recipients[i].Attempts = attempts
		break
	}
	switch {
	case rc.Pending > 0:
		rc.Status = StatusPending
	case rc.Delivered > 0:
		rc.Status = StatusDelivered
	default:
		rc.Status = StatusFailed
	}
}

// schedule queues a failed delivery for retry with exponential backoff
// (1.5x per attempt from the base interval).
func (d *Dispatcher) schedule(msg Message, sessionID string, tier Tier, attempts int) {
	backoff := d.cfg.RetryInterval
	for i := 1; i < attempts; i++ {
		backoff = backoff * 3 / 2
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.retries) >= d.cfg.PendingLimit {
		d.log.Warn("retry queue full, dropping delivery",
			zap.String("message", msg.ID), zap.String("session", sessionID))
		if d.met != nil {
			d.met.ChatDeliveries.WithLabelValues(string(tier), string(StatusFailed)).Inc()
		}
		return
	}
	heap.Push(&d.retries, &pending{
		msg:         msg,
		sessionID:   sessionID,
		tier:        tier,
		attempts:    attempts,
		nextRetryAt: d.now().Add(backoff),
	})
}

// CancelSession drops pending deliveries addressed to a terminated session.
func (d *Dispatcher) CancelSession(sessionID string) {
	d.mu.Lock()
	var dropped []*pending
	kept := d.retries[:0]
	for _, p := range d.retries {
		if p.sessionID != sessionID {
			kept = append(kept, p)
		} else {
			dropped = append(dropped, p)
		}
	}
	d.retries = kept
	heap.Init(&d.retries)
	d.mu.Unlock()

	for _, p := range dropped {
		d.settleRecipient(p.msg.ID, p.sessionID, StatusFailed, p.attempts)
	}
}

// RetryDue attempts every pending delivery whose time has come. Returns the
// number delivered.
func (d *Dispatcher) RetryDue(ctx context.Context) int {
	now := d.now()
	var due []*pending
	d.mu.Lock()
	for len(d.retries) > 0 && !d.retries[0].nextRetryAt.After(now) {
		due = append(due, heap.Pop(&d.retries).(*pending))
	}
	d.mu.Unlock()

	delivered := 0
	for _, p := range due {
		if d.met != nil {
			d.met.ChatRetries.Inc()
		}
		attempt := p.attempts + 1
		if err := d.transport.Deliver(ctx, p.sessionID, p.msg); err != nil {
			if attempt > d.maxRetries(p.tier) {
				d.log.Warn("delivery failed permanently",
					zap.String("message", p.msg.ID),
					zap.String("session", p.sessionID),
					zap.Int("attempts", attempt))
				d.settleRecipient(p.msg.ID, p.sessionID, StatusFailed, attempt)
				if d.met != nil {
					d.met.ChatDeliveries.WithLabelValues(string(p.tier), string(StatusFailed)).Inc()
				}
				continue
			}
			d.schedule(p.msg, p.sessionID, p.tier, attempt)
			continue
		}
		delivered++
		d.settleRecipient(p.msg.ID, p.sessionID, StatusDelivered, attempt)
		if d.met != nil {
			d.met.ChatDeliveries.WithLabelValues(string(p.tier), string(StatusDelivered)).Inc()
		}
	}
	return delivered
}

// PendingCount returns the size of the retry queue.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retries)
}

// SweepDedup drops dedup entries and receipts past the window. Run
// periodically. Returns the number of dedup entries dropped.
func (d *Dispatcher) SweepDedup() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.cfg.DedupWindow)
	n := 0
	for k, at := range d.dedup {
		if at.Before(cutoff) {
			delete(d.dedup, k)
			n++
		}
	}
	for id, entry := range d.receipts {
		if entry.at.Before(cutoff) {
			delete(d.receipts, id)
		}
	}
	return n
}

// RunRetries drives the retry scheduler until the context ends.
func (d *Dispatcher) RunRetries(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RetryDue(ctx)
			d.SweepDedup()
		}
	}
}
