// Package outbox implements the bounded per-subscriber delivery queue that
// decouples event production from delivery. Producers always succeed
// immediately; sustained overload drops data observably instead of growing
// memory or stalling anyone.
package outbox

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Limits struct {
	MaxTotalBytes int
	MaxItems      int
	MaxItemBytes  int
	MaxItemAge    time.Duration
}

// Item is one pending delivery unit: an event name plus its encoded payload.
type Item struct {
	Event      string
	Payload    []byte
	EnqueuedAt time.Time
}

func (it Item) size() int {
	return len(it.Event) + len(it.Payload)
}

type DropReason string

const (
	DropOversize DropReason = "oversize"
	DropPressure DropReason = "pressure"
	DropExpired  DropReason = "expired"
)

type Outbox struct {
	mu         sync.Mutex
	limits     Limits
	items      []Item
	totalBytes int

	droppedCount   int64
	droppedBytes   int64
	lastDropReason DropReason

	// Drop logging is throttled: one batched line per interval at most.
	logInterval     time.Duration
	lastDropLog     time.Time
	pendingLogCount int64
	pendingLogBytes int64

	log *zap.Logger
	now func() time.Time
}

func New(limits Limits, logInterval time.Duration, logger *zap.Logger) *Outbox {
	return NewWithClock(limits, logInterval, logger, time.Now)
}

func NewWithClock(limits Limits, logInterval time.Duration, logger *zap.Logger, now func() time.Time) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{limits: limits, logInterval: logInterval, log: logger, now: now}
}

// Enqueue queues one delivery unit. It first evicts expired items, rejects an
// item that alone exceeds the per-item or total byte cap, then evicts oldest
// items under byte or count pressure until the new item fits. If it still
// cannot fit, the new item itself is dropped. Enqueue never blocks.
func (o *Outbox) Enqueue(event string, payload []byte) bool {
	it := Item{Event: event, Payload: payload, EnqueuedAt: o.now()}
	size := it.size()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.evictExpiredLocked()

	if (o.limits.MaxItemBytes > 0 && size > o.limits.MaxItemBytes) ||
		(o.limits.MaxTotalBytes > 0 && size > o.limits.MaxTotalBytes) {
		o.recordDropLocked(DropOversize, 1, size)
		return false
	}

	for len(o.items) > 0 &&
		((o.limits.MaxTotalBytes > 0 && o.totalBytes+size > o.limits.MaxTotalBytes) ||
			(o.limits.MaxItems > 0 && len(o.items) >= o.limits.MaxItems)) {
		o.dropOldestLocked(DropPressure)
	}

	if (o.limits.MaxTotalBytes > 0 && o.totalBytes+size > o.limits.MaxTotalBytes) ||
		(o.limits.MaxItems > 0 && len(o.items) >= o.limits.MaxItems) {
		o.recordDropLocked(DropPressure, 1, size)
		return false
	}

	o.items = append(o.items, it)
	o.totalBytes += size
	return true
}

// Flush atomically hands the entire current queue to deliver and clears it.
// Expired items are evicted first and never delivered.
func (o *Outbox) Flush(deliver func([]Item)) {
	o.mu.Lock()
	o.evictExpiredLocked()
	items := o.items
	o.items = nil
	o.totalBytes = 0
	o.mu.Unlock()

	if len(items) > 0 {
		deliver(items)
	}
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) QueuedBytes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalBytes
}

// DropStats reports total dropped items, dropped bytes and the most recent
// drop reason.
func (o *Outbox) DropStats() (int64, int64, DropReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.droppedCount, o.droppedBytes, o.lastDropReason
}

func (o *Outbox) evictExpiredLocked() {
	if o.limits.MaxItemAge <= 0 {
		return
	}
	cutoff := o.now().Add(-o.limits.MaxItemAge)
	n := 0
	for n < len(o.items) && o.items[n].EnqueuedAt.Before(cutoff) {
		n++
	}
	if n == 0 {
		return
	}
	dropped := 0
	for _, it := range o.items[:n] {
		dropped += it.size()
	}
	o.items = o.items[n:]
	o.totalBytes -= dropped
	o.recordDropLocked(DropExpired, int64(n), dropped)
}

func (o *Outbox) dropOldestLocked(reason DropReason) {
	it := o.items[0]
	o.items = o.items[1:]
	o.totalBytes -= it.size()
	o.recordDropLocked(reason, 1, it.size())
}

func (o *Outbox) recordDropLocked(reason DropReason, count int64, bytes int) {
	o.droppedCount += count
	o.droppedBytes += int64(bytes)
	o.lastDropReason = reason
	o.pendingLogCount += count
	o.pendingLogBytes += int64(bytes)

	now := o.now()
	if o.logInterval > 0 && now.Sub(o.lastDropLog) < o.logInterval {
		return
	}
	o.log.Warn("outbox dropping events",
		zap.Int64("count", o.pendingLogCount),
		zap.Int64("bytes", o.pendingLogBytes),
		zap.String("reason", string(reason)),
	)
	o.lastDropLog = now
	o.pendingLogCount = 0
	o.pendingLogBytes = 0
}
