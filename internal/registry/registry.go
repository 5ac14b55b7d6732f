// Package registry owns the session map. A single actor goroutine applies
// commands strictly in arrival order; callers interact only through
// message/reply pairs, so no lock protects the records.
package registry

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/agent-tmux-monitor/atm/internal/proc"
	"github.com/agent-tmux-monitor/atm/internal/session"
)

// defaultWindow is the context window assumed when no model table is
// wired in.
const defaultWindow = 200000

// Limits bounds the registry and drives its sweeper.
type Limits struct {
	MaxSessions     int
	StaleThreshold  time.Duration
	CleanupInterval time.Duration
	MaxSessionAge   time.Duration
}

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrFull          = errors.New("registry full")
)

// ChangeKind discriminates registry change events.
type ChangeKind int

const (
	ChangeUpdated ChangeKind = iota
	ChangeRemoved
)

// ChangeEvent is emitted after every mutation for the broadcast pump.
type ChangeEvent struct {
	Kind   ChangeKind
	ID     session.ID
	Reason string
}

// Removal reasons carried on ChangeRemoved events.
const (
	ReasonSessionEnd = "session_end"
	ReasonUnregister = "unregister"
	ReasonStale      = "stale"
	ReasonMaxAge     = "max_age"
)

const (
	commandQueueSize = 256
	eventQueueSize   = 1024
)

type command struct {
	run func(*Registry)
}

// Registry is the actor. Run owns records and pids exclusively; every
// other method only sends commands.
type Registry struct {
	cfg Limits

	windowFor func(model string) int
	pidAlive  func(pid int) bool
	now       func() time.Time

	commands chan command
	events   chan ChangeEvent

	records map[session.ID]*session.Record
	pids    map[session.ID]int

	eventsDropped int64
	lastDropLog   time.Time
}

// New creates a registry with the given limits. windowFor resolves a
// model's context window size; pass nil to use the default window only.
func New(cfg Limits, windowFor func(string) int) *Registry {
	if windowFor == nil {
		windowFor = func(string) int { return defaultWindow }
	}
	return &Registry{
		cfg:       cfg,
		windowFor: windowFor,
		pidAlive:  proc.PidAlive,
		now:       time.Now,
		commands:  make(chan command, commandQueueSize),
		events:    make(chan ChangeEvent, eventQueueSize),
		records:   make(map[session.ID]*session.Record),
		pids:      make(map[session.ID]int),
	}
}

// Events returns the change stream consumed by the broadcast pump.
func (r *Registry) Events() <-chan ChangeEvent {
	return r.events
}

// Run processes commands until ctx is cancelled. Commands already queued
// at cancellation run to completion.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain whatever was accepted before shutdown.
			for {
				select {
				case cmd := <-r.commands:
					cmd.run(r)
				default:
					return
				}
			}
		case cmd := <-r.commands:
			cmd.run(r)
		}
	}
}

// send enqueues a command, failing only when the caller's context ends
// first.
func (r *Registry) send(ctx context.Context, run func(*Registry)) error {
	select {
	case r.commands <- command{run: run}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit publishes a change event without ever blocking the actor. A full
// queue drops the event; the next mutation of the same session converges
// viewer state.
func (r *Registry) emit(ev ChangeEvent) {
	select {
	case r.events <- ev:
	default:
		r.eventsDropped++
		now := r.now()
		if r.lastDropLog.IsZero() || now.Sub(r.lastDropLog) >= 10*time.Second {
			log.Printf("WARN registry: change events dropped: %d (queue full)", r.eventsDropped)
			r.eventsDropped = 0
			r.lastDropLog = now
		}
	}
}

// Register creates a session record. It fails with ErrAlreadyExists for a
// duplicate id and ErrFull at MAX_SESSIONS.
func (r *Registry) Register(ctx context.Context, msg RegisterRequest) error {
	reply := make(chan error, 1)
	err := r.send(ctx, func(r *Registry) {
		id := session.ID(msg.SessionID)
		if _, ok := r.records[id]; ok {
			reply <- ErrAlreadyExists
			return
		}
		if len(r.records) >= r.cfg.MaxSessions {
			reply <- ErrFull
			return
		}
		now := r.now()
		rec := session.NewRecord(id, session.AgentType(msg.AgentType), msg.Model,
			msg.Cwd, msg.PID, msg.TmuxPane, r.windowFor(msg.Model), now)
		r.records[id] = rec
		if msg.PID > 0 {
			r.pids[id] = msg.PID
		}
		r.emit(ChangeEvent{Kind: ChangeUpdated, ID: id})
		reply <- nil
	})
	if err != nil {
		return err
	}
	return <-reply
}

// RegisterRequest carries the fields of a register message.
type RegisterRequest struct {
	SessionID string
	AgentType string
	Model     string
	Cwd       string
	PID       int
	TmuxPane  string
}

// ApplyStatusLine refreshes a session's metrics.
func (r *Registry) ApplyStatusLine(ctx context.Context, id session.ID, f session.StatusFields) error {
	reply := make(chan error, 1)
	err := r.send(ctx, func(r *Registry) {
		rec, ok := r.records[id]
		if !ok {
			reply <- ErrNotFound
			return
		}
		rec.ApplyStatusLine(f, r.windowFor(f.Model), r.now())
		r.emit(ChangeEvent{Kind: ChangeUpdated, ID: id})
		reply <- nil
	})
	if err != nil {
		return err
	}
	return <-reply
}

// ApplyHookEvent runs the status machine for one hook event. A
// SessionEnd event removes the record.
func (r *Registry) ApplyHookEvent(ctx context.Context, id session.ID, up session.HookUpdate) error {
	reply := make(chan error, 1)
	err := r.send(ctx, func(r *Registry) {
		rec, ok := r.records[id]
		if !ok {
			reply <- ErrNotFound
			return
		}
		if rec.ApplyHookEvent(up, r.now()) {
			r.remove(id, ReasonSessionEnd)
			reply <- nil
			return
		}
		if up.PID > 0 {
			r.pids[id] = up.PID
		}
		r.emit(ChangeEvent{Kind: ChangeUpdated, ID: id})
		reply <- nil
	})
	if err != nil {
		return err
	}
	return <-reply
}

// Unregister removes a session explicitly.
func (r *Registry) Unregister(ctx context.Context, id session.ID) error {
	reply := make(chan error, 1)
	err := r.send(ctx, func(r *Registry) {
		if _, ok := r.records[id]; !ok {
			reply <- ErrNotFound
			return
		}
		r.remove(id, ReasonUnregister)
		reply <- nil
	})
	if err != nil {
		return err
	}
	return <-reply
}

// remove deletes the record and emits the removal. Actor-only.
func (r *Registry) remove(id session.ID, reason string) {
	delete(r.records, id)
	delete(r.pids, id)
	r.emit(ChangeEvent{Kind: ChangeRemoved, ID: id, Reason: reason})
}

// GetSession returns the current view of one session.
func (r *Registry) GetSession(ctx context.Context, id session.ID) (session.View, bool) {
	type result struct {
		view session.View
		ok   bool
	}
	reply := make(chan result, 1)
	err := r.send(ctx, func(r *Registry) {
		rec, ok := r.records[id]
		if !ok {
			reply <- result{}
			return
		}
		reply <- result{view: session.NewView(rec, r.now(), r.cfg.StaleThreshold), ok: true}
	})
	if err != nil {
		return session.View{}, false
	}
	res := <-reply
	return res.view, res.ok
}

// GetAllSessions returns views of every session at one registry instant.
func (r *Registry) GetAllSessions(ctx context.Context) []session.View {
	reply := make(chan []session.View, 1)
	err := r.send(ctx, func(r *Registry) {
		now := r.now()
		views := make([]session.View, 0, len(r.records))
		for _, rec := range r.records {
			views = append(views, session.NewView(rec, now, r.cfg.StaleThreshold))
		}
		reply <- views
	})
	if err != nil {
		return nil
	}
	return <-reply
}

// Views resolves the given ids against current registry state in one
// command, so the pump's Delta reflects a single instant. Ids that no
// longer exist come back in gone.
func (r *Registry) Views(ctx context.Context, ids []session.ID) (views []session.View, gone []session.ID) {
	type result struct {
		views []session.View
		gone  []session.ID
	}
	reply := make(chan result, 1)
	err := r.send(ctx, func(r *Registry) {
		now := r.now()
		var res result
		for _, id := range ids {
			rec, ok := r.records[id]
			if !ok {
				res.gone = append(res.gone, id)
				continue
			}
			res.views = append(res.views, session.NewView(rec, now, r.cfg.StaleThreshold))
		}
		reply <- res
	})
	if err != nil {
		return nil, nil
	}
	res := <-reply
	return res.views, res.gone
}

// Len reports the current registry cardinality.
func (r *Registry) Len(ctx context.Context) int {
	reply := make(chan int, 1)
	if err := r.send(ctx, func(r *Registry) { reply <- len(r.records) }); err != nil {
		return 0
	}
	return <-reply
}
