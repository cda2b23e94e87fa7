package admission

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one waitlisted character. Unique per (instance, character).
type Entry struct {
	CharacterID string
	UserID      string
	InstanceID  string
	EnqueuedAt  time.Time
	AttemptID   string
}

// queue is a single instance's ordered waitlist: enqueuedAt ascending,
// ties broken by characterID.
type queue struct {
	entries []*Entry
	byChar  map[string]*Entry
}

func newQueue() *queue {
	return &queue{byChar: make(map[string]*Entry)}
}

func (q *queue) insert(e *Entry) {
	idx := sort.Search(len(q.entries), func(i int) bool {
		cur := q.entries[i]
		if cur.EnqueuedAt.Equal(e.EnqueuedAt) {
			return cur.CharacterID > e.CharacterID
		}
		return cur.EnqueuedAt.After(e.EnqueuedAt)
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	q.byChar[e.CharacterID] = e
}

func (q *queue) removeChar(characterID string) bool {
	e, ok := q.byChar[characterID]
	if !ok {
		return false
	}
	delete(q.byChar, characterID)
	for i, cur := range q.entries {
		if cur == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

func (q *queue) position(characterID string) int {
	if _, ok := q.byChar[characterID]; !ok {
		return -1
	}
	for i, cur := range q.entries {
		if cur.CharacterID == characterID {
			return i
		}
	}
	return -1
}

// Queues manages the per-instance waitlists.
type Queues struct {
	mu      sync.Mutex
	byInst  map[string]*queue
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

func NewQueues(maxSize int, ttl time.Duration) *Queues {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Queues{
		byInst:  make(map[string]*queue),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the queue clock. Test use only.
func (qs *Queues) SetClock(now func() time.Time) { qs.now = now }

// Enqueue appends a character to an instance's waitlist. Returns the entry's
// position and the post-insert depth, or ok=false when the queue is full.
// Re-enqueueing an already-queued character returns its current position.
func (qs *Queues) Enqueue(instanceID, characterID, userID string) (pos, depth int, ok bool) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.instQueue(instanceID)
	if _, present := q.byChar[characterID]; present {
		return q.position(characterID), len(q.entries), true
	}
	if len(q.entries) >= qs.maxSize {
		return 0, len(q.entries), false
	}
	e := &Entry{
		CharacterID: characterID,
		UserID:      userID,
		InstanceID:  instanceID,
		EnqueuedAt:  qs.now(),
		AttemptID:   uuid.NewString(),
	}
	q.insert(e)
	return q.position(characterID), len(q.entries), true
}

// DequeueHead removes and returns the head entry, or nil when empty.
func (qs *Queues) DequeueHead(instanceID string) *Entry {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.instQueue(instanceID)
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.byChar, e.CharacterID)
	return e
}

// Peek returns the head entry without removing it.
func (qs *Queues) Peek(instanceID string) *Entry {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.instQueue(instanceID)
	if len(q.entries) == 0 {
		return nil
	}
	cp := *q.entries[0]
	return &cp
}

// Remove deletes a character's entry, if present.
func (qs *Queues) Remove(instanceID, characterID string) bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.instQueue(instanceID).removeChar(characterID)
}

// PositionOf returns the zero-based position, or -1 if not queued.
func (qs *Queues) PositionOf(instanceID, characterID string) int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return qs.instQueue(instanceID).position(characterID)
}

// Depth returns the current waitlist size.
func (qs *Queues) Depth(instanceID string) int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.instQueue(instanceID).entries)
}

// RemoveEverywhere clears the character from every instance's waitlist.
// Called when a session is created: a character with a session is never
// queued.
func (qs *Queues) RemoveEverywhere(characterID string) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	for _, q := range qs.byInst {
		q.removeChar(characterID)
	}
}

// IsQueued reports whether the character waits anywhere in any instance.
func (qs *Queues) IsQueued(characterID string) bool {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	for _, q := range qs.byInst {
		if _, ok := q.byChar[characterID]; ok {
			return true
		}
	}
	return false
}

// ReapExpired drops entries older than the TTL across all instances and
// returns how many were removed.
func (qs *Queues) ReapExpired() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	cutoff := qs.now().Add(-qs.ttl)
	n := 0
	for _, q := range qs.byInst {
		kept := q.entries[:0]
		for _, e := range q.entries {
			if e.EnqueuedAt.Before(cutoff) {
				delete(q.byChar, e.CharacterID)
				n++
			} else {
				kept = append(kept, e)
			}
		}
		q.entries = kept
	}
	return n
}

func (qs *Queues) instQueue(instanceID string) *queue {
	q, ok := qs.byInst[instanceID]
	if !ok {
		q = newQueue()
		qs.byInst[instanceID] = q
	}
	return q
}
