// Package broadcast fans change events out to live subscribers. Each
// subscription owns a bounded outbox and a dedicated flusher, so one slow or
// dead consumer never adds latency to the write path or to its peers.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flintttan/hapi-sub000/internal/outbox"
)

const (
	EventSessionUpdated = "session.updated"
	EventSessionDeleted = "session.deleted"
	EventMachineUpdated = "machine.updated"
	EventMessageUpdated = "message.updated"
	EventHeartbeat      = "heartbeat"
)

// Event is one delivery unit. MachineID is used only for filter matching and
// never serialized.
type Event struct {
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	SessionID string `json:"sessionId,omitempty"`
	MachineID string `json:"-"`
}

type FilterKind int

const (
	// FilterAll matches every event in the subscriber's namespace.
	FilterAll FilterKind = iota
	FilterSession
	FilterMachine
)

// Filter narrows a subscription to one session or machine. The subscriber's
// authenticated namespace always applies on top of it.
type Filter struct {
	Kind     FilterKind
	TargetID string
}

func (f Filter) matches(ev Event) bool {
	switch f.Kind {
	case FilterAll:
		return true
	case FilterSession:
		return ev.SessionID == f.TargetID
	case FilterMachine:
		return ev.MachineID == f.TargetID
	}
	return false
}

// DeliverFunc pushes flushed items onto the subscriber's live connection.
// It runs on the subscription's own flusher goroutine and may block; only
// that subscriber is affected.
type DeliverFunc func([]outbox.Item)

type Subscription struct {
	id        string
	namespace string
	filter    Filter
	outbox    *outbox.Outbox
	deliver   DeliverFunc

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) kick() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	heartbeatEvery time.Duration
	log            *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func New(heartbeatEvery time.Duration, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		subs:           make(map[string]*Subscription),
		heartbeatEvery: heartbeatEvery,
		log:            logger,
		stop:           make(chan struct{}),
	}
	if heartbeatEvery > 0 {
		go b.heartbeatLoop()
	}
	return b
}

// Subscribe registers a filtered stream for the given namespace. Flushes run
// on a dedicated goroutine until Unsubscribe.
func (b *Broadcaster) Subscribe(namespace string, filter Filter, ob *outbox.Outbox, deliver DeliverFunc) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		namespace: namespace,
		filter:    filter,
		outbox:    ob,
		deliver:   deliver,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	total := len(b.subs)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case <-sub.notify:
				sub.outbox.Flush(sub.deliver)
			}
		}
	}()

	b.log.Debug("subscriber added", zap.String("namespace", namespace), zap.Int("total", total))
	return sub
}

// Unsubscribe removes the subscription and stops its flusher. Events still
// queued in its outbox are simply discarded.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	total := len(b.subs)
	b.mu.Unlock()
	sub.close()
	b.log.Debug("subscriber removed", zap.String("namespace", sub.namespace), zap.Int("total", total))
}

// Publish enqueues the event into every matching subscription's outbox and
// schedules their flushes. It never blocks on delivery.
func (b *Broadcaster) Publish(namespace string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("event marshal failed", zap.String("event", ev.Event), zap.Error(err))
		return
	}

	b.mu.RLock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.namespace == namespace && sub.filter.matches(ev) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.outbox.Enqueue(ev.Event, payload)
		sub.kick()
	}
}

// heartbeatLoop sends keep-alives independently of data events so idle
// connections are not buffered or closed by intermediary proxies.
func (b *Broadcaster) heartbeatLoop() {
	ticker := time.NewTicker(b.heartbeatEvery)
	defer ticker.Stop()
	payload, _ := json.Marshal(Event{Event: EventHeartbeat})

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.RLock()
			subs := make([]*Subscription, 0, len(b.subs))
			for _, sub := range b.subs {
				subs = append(subs, sub)
			}
			b.mu.RUnlock()
			for _, sub := range subs {
				sub.outbox.Enqueue(EventHeartbeat, payload)
				sub.kick()
			}
		}
	}
}

// Close stops the heartbeat loop and tears down every subscription.
func (b *Broadcaster) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
