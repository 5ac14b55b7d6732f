// Package broker is the fan-out path between the registry and viewer
// connections. It coalesces change events at a bounded cadence and
// delivers Deltas to per-subscriber lossy queues, so no subscriber can
// slow the daemon or see torn views.
package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-tmux-monitor/atm/internal/protocol"
	"github.com/agent-tmux-monitor/atm/internal/registry"
	"github.com/agent-tmux-monitor/atm/internal/session"
)

// Subscriber owns one viewer's bounded Delta queue.
type Subscriber struct {
	id string
	ch chan protocol.Delta
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

// Deltas is the subscriber's receive side.
func (s *Subscriber) Deltas() <-chan protocol.Delta { return s.ch }

// Broker owns the registry's change stream and the subscriber set.
type Broker struct {
	reg      *registry.Registry
	interval time.Duration
	bufSize  int

	mu   sync.Mutex
	subs map[string]*Subscriber
}

// New creates a broker ticking once per interval with per-subscriber
// queues of bufSize Deltas.
func New(reg *registry.Registry, interval time.Duration, bufSize int) *Broker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if bufSize <= 0 {
		bufSize = 100
	}
	return &Broker{
		reg:      reg,
		interval: interval,
		bufSize:  bufSize,
		subs:     make(map[string]*Subscriber),
	}
}

// Subscribe registers a new viewer and returns the initial snapshot
// together with its subscription handle.
func (b *Broker) Subscribe(ctx context.Context) (protocol.Snapshot, *Subscriber) {
	sub := &Subscriber{
		id: uuid.NewString(),
		ch: make(chan protocol.Delta, b.bufSize),
	}
	snapshot := protocol.NewSnapshot(b.reg.GetAllSessions(ctx))
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return snapshot, sub
}

// Unsubscribe detaches the handle and closes its queue.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// SubscriberCount reports the number of attached viewers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Run consumes change events until ctx ends. Changes accumulate into a
// per-id latest-wins set between ticks; each tick resolves the dirty ids
// against registry state at that instant and fans the resulting Delta
// out.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	dirty := make(map[session.ID]bool)
	removed := make(map[session.ID]string)

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-b.reg.Events():
			switch ev.Kind {
			case registry.ChangeUpdated:
				dirty[ev.ID] = true
			case registry.ChangeRemoved:
				delete(dirty, ev.ID)
				removed[ev.ID] = ev.Reason
			}

		case <-ticker.C:
			if len(dirty) == 0 && len(removed) == 0 {
				continue
			}
			b.flush(ctx, dirty, removed)
			clear(dirty)
			clear(removed)
		}
	}
}

// flush builds one Delta from current registry state and enqueues it on
// every subscriber.
func (b *Broker) flush(ctx context.Context, dirty map[session.ID]bool, removed map[session.ID]string) {
	ids := make([]session.ID, 0, len(dirty))
	for id := range dirty {
		ids = append(ids, id)
	}

	views, gone := b.reg.Views(ctx, ids)

	removedIDs := make([]string, 0, len(removed)+len(gone))
	for id := range removed {
		removedIDs = append(removedIDs, string(id))
	}
	// Ids that vanished between the change event and this tick are
	// removals the registry already forgot about.
	for _, id := range gone {
		if _, dup := removed[id]; !dup {
			removedIDs = append(removedIDs, string(id))
		}
	}

	if len(views) == 0 && len(removedIDs) == 0 {
		return
	}

	delta := protocol.NewDelta(views, removedIDs)

	// Enqueues are non-blocking, so holding the lock across the fan-out
	// is cheap and keeps Unsubscribe's close from racing a send.
	b.mu.Lock()
	for _, sub := range b.subs {
		b.enqueue(sub, delta)
	}
	b.mu.Unlock()
}

// enqueue delivers without blocking. A full queue sheds its oldest Delta
// to admit the new one; every Delta carries current values, so the
// stream self-heals.
func (b *Broker) enqueue(sub *Subscriber, delta protocol.Delta) {
	select {
	case sub.ch <- delta:
		return
	default:
	}
	select {
	case <-sub.ch:
		log.Printf("WARN broker: subscriber %s queue full, dropping oldest delta", sub.id)
	default:
	}
	select {
	case sub.ch <- delta:
	default:
	}
}
