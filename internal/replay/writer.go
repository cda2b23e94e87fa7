// Package replay buffers the per-battle event log: gap-free sequence
// numbers, non-decreasing timestamps, batched flushes to the store.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrClosed         = errors.New("replay writer closed")
	ErrBufferOverflow = errors.New("replay buffer overflow")
	ErrWriteFailed    = errors.New("replay write failed")
)

// Event is one replay record. Seq starts at 1 and has no gaps; timestamps
// never decrease within a replay.
type Event struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	PlayerID  string          `json:"playerId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Store persists flushed batches and the final replay metadata.
type Store interface {
	AppendBatch(ctx context.Context, replayID string, events []Event) error
	Finalize(ctx context.Context, replayID string, eventCount uint64, byteSize int64, expiresAt time.Time) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxBuffer     int
	Retention     time.Duration
}

// Writer is the per-battle append-only buffer. Flushes are serial: the mu
// around flushing guarantees one in-flight flush per replay.
type Writer struct {
	mu        sync.Mutex
	replayID  string
	buf       []Event
	seq       uint64
	lastTS    time.Time
	byteSize  int64
	closed    bool
	flushedAt time.Time

	store Store
	cfg   Config
	met   *metrics.Metrics
	now   func() time.Time
	log   *zap.Logger
}

func NewWriter(replayID string, store Store, cfg Config, met *metrics.Metrics, log *zap.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	w := &Writer{
		replayID: replayID,
		store:    store,
		cfg:      cfg,
		met:      met,
		now:      time.Now,
		log:      log.Named("replay").With(zap.String("replay", replayID)),
	}
	w.flushedAt = w.now()
	return w
}

// SetClock overrides the writer clock. Test use only.
func (w *Writer) SetClock(now func() time.Time) { w.now = now }

// Append assigns the next sequence number, stamps a non-decreasing
// timestamp, and buffers the event. A full buffer forces an immediate
// flush; if the flush cannot make room the caller gets ErrBufferOverflow.
func (w *Writer) Append(ctx context.Context, eventType, playerID string, data any) (uint64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}

	if len(w.buf) >= w.cfg.MaxBuffer {
		if err := w.flushLocked(ctx); err != nil || len(w.buf) >= w.cfg.MaxBuffer {
			w.log.Error("buffer overflow", zap.Int("buffered", len(w.buf)), zap.Error(err))
			return 0, ErrBufferOverflow
		}
	}

	ts := w.now()
	if ts.Before(w.lastTS) {
		ts = w.lastTS
	}
	w.lastTS = ts

	w.seq++
	ev := Event{
		Seq:       w.seq,
		Timestamp: ts,
		Type:      eventType,
		PlayerID:  playerID,
		Data:      raw,
	}
	w.buf = append(w.buf, ev)
	w.byteSize += int64(len(raw))

	if len(w.buf) >= w.cfg.BatchSize {
		if err := w.flushLocked(ctx); err != nil {
			// The event is buffered and keeps its seq; only the flush failed.
			return ev.Seq, err
		}
	}
	return ev.Seq, nil
}

// Flush writes the buffered events out, if any.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flushLocked(ctx)
}

// flushLocked drains the buffer into the store. On store failure the batch
// is restored once in order and ErrWriteFailed surfaces; there is no
// unbounded re-queue loop.
func (w *Writer) flushLocked(ctx context.Context) error {
	if len(w.buf) == 0 {
		w.flushedAt = w.now()
		return nil
	}
	batch := w.buf
	w.buf = nil
	if err := w.store.AppendBatch(ctx, w.replayID, batch); err != nil {
		w.buf = append(batch, w.buf...)
		if w.met != nil {
			w.met.ReplayFlushes.WithLabelValues("error").Inc()
		}
		w.log.Error("flush failed", zap.Int("events", len(batch)), zap.Error(err))
		return ErrWriteFailed
	}
	w.flushedAt = w.now()
	if w.met != nil {
		w.met.ReplayFlushes.WithLabelValues("ok").Inc()
	}
	return nil
}

// RunFlusher flushes on the interval until the context ends or the writer
// closes. Flush errors are logged and retried on the next interval.
func (w *Writer) RunFlusher(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			stale := w.now().Sub(w.flushedAt) >= w.cfg.FlushInterval
			if stale {
				_ = w.flushLocked(ctx)
			}
			w.mu.Unlock()
		}
	}
}

// Finalize performs the last flush, seals the writer, and records the
// replay metadata with its retention expiry.
func (w *Writer) Finalize(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.flushLocked(ctx); err != nil {
		return err
	}
	w.closed = true
	expiresAt := w.now().Add(w.cfg.Retention)
	if err := w.store.Finalize(ctx, w.replayID, w.seq, w.byteSize, expiresAt); err != nil {
		w.log.Error("finalize failed", zap.Error(err))
		return ErrWriteFailed
	}
	w.log.Info("replay sealed", zap.Uint64("events", w.seq), zap.Int64("bytes", w.byteSize))
	return nil
}

// EventCount returns the number of events assigned so far.
func (w *Writer) EventCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}
