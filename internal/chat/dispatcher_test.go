package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkirby-ms/tilemud/internal/blocklist"
	"github.com/dkirby-ms/tilemud/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	failing   map[string]bool
	delivered []struct {
		sessionID string
		msg       Message
	}
}

func (f *fakeTransport) Deliver(_ context.Context, sessionID string, msg Message) error {
	if f.failing[sessionID] {
		return errors.New("session gone")
	}
	f.delivered = append(f.delivered, struct {
		sessionID string
		msg       Message
	}{sessionID, msg})
	return nil
}

type fakeResolver struct{ sessions []string }

func (f *fakeResolver) Recipients(Message) []string { return f.sessions }

type fakeMutes struct {
	muted   map[string]bool        // muted on every channel
	channel map[string]ChannelType // muted on one channel only
}

func (f *fakeMutes) IsMuted(characterID string, ch ChannelType) bool {
	if f.muted[characterID] {
		return true
	}
	only, ok := f.channel[characterID]
	return ok && only == ch
}

type fakeBlockRepo struct{ edges map[string]bool }

func (f *fakeBlockRepo) IsBlocked(_ context.Context, ownerID, blockedID string) (bool, error) {
	return f.edges[ownerID+"->"+blockedID], nil
}

type fakeMsgStore struct {
	saved []Message
	err   error
}

func (f *fakeMsgStore) SaveMessage(_ context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, msg)
	return nil
}

type pipeline struct {
	d         *Dispatcher
	transport *fakeTransport
	resolver  *fakeResolver
	mutes     *fakeMutes
	blocks    *fakeBlockRepo
	store     *fakeMsgStore
	now       *time.Time
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	log := zap.NewNop()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	p := &pipeline{
		transport: &fakeTransport{failing: map[string]bool{}},
		resolver:  &fakeResolver{sessions: []string{"sess-1", "sess-2"}},
		mutes:     &fakeMutes{muted: map[string]bool{}, channel: map[string]ChannelType{}},
		blocks:    &fakeBlockRepo{edges: map[string]bool{}},
		store:     &fakeMsgStore{},
	}

	limiter := ratelimit.New(ratelimit.Config{
		Window:        time.Minute,
		ChatPerWindow: 5,
	}, log)
	limiter.SetClock(clock)

	cache := blocklist.New(p.blocks, time.Minute, log)
	cache.SetClock(clock)

	p.d = NewDispatcher(p.transport, p.resolver, limiter, p.mutes, cache, p.store, Config{
		DedupWindow:   time.Minute,
		RetryInterval: 5 * time.Second,
		PendingLimit:  100,
	}, nil, log)
	p.d.SetClock(clock)
	p.now = &now
	return p
}

func arenaMsg(sender, content string) Message {
	return Message{
		ChannelType: ChannelArena,
		InstanceID:  "inst-1",
		SenderID:    sender,
		Content:     content,
	}
}

func directMsg(sender, recipient, content string) Message {
	return Message{
		ChannelType: ChannelDirect,
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
	}
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierExactlyOnce, TierFor(ChannelSystem))
	assert.Equal(t, TierExactlyOnce, TierFor(ChannelDirect))
	assert.Equal(t, TierExactlyOnce, TierFor(ChannelParty))
	assert.Equal(t, TierExactlyOnce, TierFor(ChannelGuild))
	assert.Equal(t, TierAtLeastOnce, TierFor(ChannelArena))
	assert.Equal(t, TierAtLeastOnce, TierFor(ChannelGlobal))
	assert.Equal(t, TierBestEffort, TierFor(ChannelAmbient))
}

func TestSendDeliversToAllRecipients(t *testing.T) {
	p := newPipeline(t)

	rc := p.d.Send(context.Background(), arenaMsg("alice", "hello"))
	assert.Equal(t, StatusDelivered, rc.Status)
	assert.Equal(t, 2, rc.Delivered)
	assert.NotEmpty(t, rc.MessageID)
	require.Len(t, p.transport.delivered, 2)

	require.Len(t, rc.Recipients, 2)
	for _, r := range rc.Recipients {
		assert.Equal(t, StatusDelivered, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestContentLengthBounds(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	rc := p.d.Send(ctx, arenaMsg("alice", ""))
	assert.Equal(t, StatusRejected, rc.Status)
	assert.Equal(t, RejectInvalid, rc.Reason)

	rc = p.d.Send(ctx, arenaMsg("alice", strings.Repeat("x", 1000)))
	assert.Equal(t, StatusDelivered, rc.Status, "1000 characters is the inclusive maximum")

	rc = p.d.Send(ctx, arenaMsg("alice", strings.Repeat("y", 1001)))
	assert.Equal(t, StatusRejected, rc.Status)
	assert.Equal(t, RejectInvalid, rc.Reason)
}

func TestContentLengthCountsCharactersNotBytes(t *testing.T) {
	p := newPipeline(t)

	// 1000 two-byte runes: 2000 bytes but within the character bound.
	rc := p.d.Send(context.Background(), arenaMsg("alice", strings.Repeat("é", 1000)))
	assert.Equal(t, StatusDelivered, rc.Status)
}

func TestRateLimitedSenderRejected(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rc := p.d.Send(ctx, arenaMsg("alice", strings.Repeat("m", i+1)))
		require.Equal(t, StatusDelivered, rc.Status)
	}
	rc := p.d.Send(ctx, arenaMsg("alice", "one too many"))
	assert.Equal(t, StatusRejected, rc.Status)
	assert.Equal(t, RejectRateLimited, rc.Reason)
}

func TestMutedSenderRejected(t *testing.T) {
	p := newPipeline(t)
	p.mutes.muted["alice"] = true

	rc := p.d.Send(context.Background(), arenaMsg("alice", "hello"))
	assert.Equal(t, StatusRejected, rc.Status)
	assert.Equal(t, RejectMuted, rc.Reason)
}

func TestMuteScopeFollowsChannel(t *testing.T) {
	p := newPipeline(t)
	p.mutes.channel["alice"] = ChannelArena
	ctx := context.Background()

	rc := p.d.Send(ctx, arenaMsg("alice", "hello"))
	assert.Equal(t, RejectMuted, rc.Reason)

	// The same sender still speaks on unmuted channels.
	rc = p.d.Send(ctx, directMsg("alice", "bob", "hello"))
	assert.Equal(t, StatusDelivered, rc.Status)
}

func TestBlockedDirectMessageRejected(t *testing.T) {
	p := newPipeline(t)
	p.blocks.edges["bob->alice"] = true

	rc := p.d.Send(context.Background(), directMsg("alice", "bob", "hey"))
	assert.Equal(t, StatusRejected, rc.Status)
	assert.Equal(t, RejectBlocked, rc.Reason, "a block in either direction stops direct messages")

	// Blocks only gate direct channels.
	rc = p.d.Send(context.Background(), arenaMsg("alice", "public"))
	assert.Equal(t, StatusDelivered, rc.Status)
}

func TestDuplicateWithinWindowRejected(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.Equal(t, StatusDelivered, p.d.Send(ctx, directMsg("alice", "bob", "hello")).Status)

	rc := p.d.Send(ctx, directMsg("alice", "bob", "hello"))
	assert.Equal(t, RejectDuplicate, rc.Reason)

	// Unicode normalization makes composed and decomposed forms equal.
	require.Equal(t, StatusDelivered, p.d.Send(ctx, directMsg("bob", "alice", "caf\u00e9")).Status)
	rc = p.d.Send(ctx, directMsg("bob", "alice", "cafe\u0301"))
	assert.Equal(t, RejectDuplicate, rc.Reason)

	// Other senders may repeat the content.
	assert.Equal(t, StatusDelivered, p.d.Send(ctx, directMsg("carol", "bob", "hello")).Status)
}

func TestResendWithLaterTimestampIsDistinct(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.Equal(t, StatusDelivered, p.d.Send(ctx, directMsg("alice", "bob", "hi")).Status)
	require.Equal(t, RejectDuplicate, p.d.Send(ctx, directMsg("alice", "bob", "hi")).Reason)

	// One second later the same content is a new message.
	*p.now = p.now.Add(time.Second)
	assert.Equal(t, StatusDelivered, p.d.Send(ctx, directMsg("alice", "bob", "hi")).Status)
}

func TestDedupOnlyGatesExactlyOnce(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// Arena broadcasts tolerate duplicates; receivers key on messageId.
	require.Equal(t, StatusDelivered, p.d.Send(ctx, arenaMsg("alice", "go go go")).Status)
	assert.Equal(t, StatusDelivered, p.d.Send(ctx, arenaMsg("alice", "go go go")).Status)
}

func TestSystemMessagesBypassSenderGates(t *testing.T) {
	p := newPipeline(t)
	p.mutes.muted["alice"] = true
	ctx := context.Background()

	msg := Message{ChannelType: ChannelSystem, InstanceID: "inst-1", Content: "server restart in 5m"}
	rc := p.d.Send(ctx, msg)
	assert.Equal(t, StatusDelivered, rc.Status)

	// Repeats are fine: system traffic skips dedup.
	rc = p.d.Send(ctx, msg)
	assert.Equal(t, StatusDelivered, rc.Status)
}

func TestExactlyOncePersistsBeforeDelivery(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.d.Send(ctx, directMsg("alice", "bob", "saved"))
	require.Len(t, p.store.saved, 1)

	p.store.err = errors.New("db down")
	delivered := len(p.transport.delivered)
	rc := p.d.Send(ctx, directMsg("alice", "bob", "not saved"))
	assert.Equal(t, StatusRejected, rc.Status)
	assert.Len(t, p.transport.delivered, delivered, "unsaved messages are never pushed")
}

func TestBestEffortFailureIsDropped(t *testing.T) {
	p := newPipeline(t)
	p.transport.failing["sess-2"] = true

	rc := p.d.Send(context.Background(), Message{
		ChannelType: ChannelAmbient,
		InstanceID:  "inst-1",
		SenderID:    "alice",
		Content:     "birdsong",
	})
	assert.Equal(t, StatusDelivered, rc.Status)
	assert.Equal(t, 1, rc.Delivered)
	assert.Equal(t, 0, rc.Pending)
	assert.Equal(t, 0, p.d.PendingCount())
}

func TestAtLeastOnceRetriesWithBackoff(t *testing.T) {
	p := newPipeline(t)
	p.transport.failing["sess-2"] = true
	ctx := context.Background()

	rc := p.d.Send(ctx, arenaMsg("alice", "incoming"))
	assert.Equal(t, StatusPending, rc.Status)
	assert.Equal(t, 1, rc.Delivered)
	assert.Equal(t, 1, rc.Pending)
	require.Equal(t, 1, p.d.PendingCount())

	// Not due yet.
	assert.Equal(t, 0, p.d.RetryDue(ctx))
	require.Equal(t, 1, p.d.PendingCount())

	// The session comes back before the first retry fires.
	p.transport.failing["sess-2"] = false
	*p.now = p.now.Add(6 * time.Second)
	assert.Equal(t, 1, p.d.RetryDue(ctx))
	assert.Equal(t, 0, p.d.PendingCount())
}

func TestReceiptRecordsAttemptsPerRecipient(t *testing.T) {
	p := newPipeline(t)
	p.transport.failing["sess-2"] = true
	ctx := context.Background()

	sent := p.d.Send(ctx, arenaMsg("alice", "incoming"))

	p.transport.failing["sess-2"] = false
	*p.now = p.now.Add(6 * time.Second)
	require.Equal(t, 1, p.d.RetryDue(ctx))

	rc, ok := p.d.ReceiptFor(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, rc.Status)
	assert.Equal(t, 2, rc.Delivered)
	require.Len(t, rc.Recipients, 2)

	bySession := make(map[string]RecipientReceipt, len(rc.Recipients))
	for _, r := range rc.Recipients {
		bySession[r.SessionID] = r
	}
	assert.Equal(t, 1, bySession["sess-1"].Attempts)
	assert.Equal(t, 2, bySession["sess-2"].Attempts, "delivered on the second attempt")
	assert.Equal(t, StatusDelivered, bySession["sess-2"].Status)
}

func TestExactlyOnceStopsAfterThreeRetries(t *testing.T) {
	p := newPipeline(t)
	p.transport.failing["sess-1"] = true
	p.transport.failing["sess-2"] = true
	ctx := context.Background()

	sent := p.d.Send(ctx, directMsg("alice", "bob", "hey"))
	require.Equal(t, 2, p.d.PendingCount())

	// Initial attempt plus three retries, then the receipt finalizes failed.
	for i := 0; i < 3; i++ {
		*p.now = p.now.Add(time.Minute)
		p.d.RetryDue(ctx)
	}
	assert.Equal(t, 0, p.d.PendingCount(), "exhausted deliveries leave the queue")

	rc, ok := p.d.ReceiptFor(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rc.Status)
	for _, r := range rc.Recipients {
		assert.Equal(t, StatusFailed, r.Status)
		assert.Equal(t, 4, r.Attempts)
	}
}

func TestAtLeastOnceStopsAfterFiveRetries(t *testing.T) {
	p := newPipeline(t)
	p.transport.failing["sess-1"] = true
	p.transport.failing["sess-2"] = true
	ctx := context.Background()

	sent := p.d.Send(ctx, arenaMsg("alice", "incoming"))
	require.Equal(t, 2, p.d.PendingCount())

	for i := 0; i < 4; i++ {
		*p.now = p.now.Add(time.Minute)
		p.d.RetryDue(ctx)
	}
	assert.Equal(t, 2, p.d.PendingCount(), "the fifth retry is still owed")

	*p.now = p.now.Add(time.Minute)
	p.d.RetryDue(ctx)
	assert.Equal(t, 0, p.d.PendingCount())

	rc, ok := p.d.ReceiptFor(sent.MessageID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rc.Status)
	assert.Equal(t, 6, rc.Recipients[0].Attempts)
}

func TestCancelSessionDropsItsPending(t *testing.T) {
	p := newPipeline(t)
	p.transport.failing["sess-1"] = true
	p.transport.failing["sess-2"] = true
	ctx := context.Background()

	sent := p.d.Send(ctx, directMsg("alice", "bob", "hey"))
	require.Equal(t, 2, p.d.PendingCount())

	p.d.CancelSession("sess-1")
	assert.Equal(t, 1, p.d.PendingCount())

	rc, ok := p.d.ReceiptFor(sent.MessageID)
	require.True(t, ok)
	for _, r := range rc.Recipients {
		if r.SessionID == "sess-1" {
			assert.Equal(t, StatusFailed, r.Status)
		}
	}
}

func TestSweepDedup(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.d.Send(ctx, directMsg("alice", "bob", "old"))
	*p.now = p.now.Add(30 * time.Second)
	p.d.Send(ctx, directMsg("alice", "bob", "fresh"))

	*p.now = p.now.Add(45 * time.Second)
	assert.Equal(t, 1, p.d.SweepDedup())
}
