package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/flowfiber-go/flow"
	"github.com/dshills/flowfiber-go/flow/store"
)

// Loopback is a Publisher that feeds records addressed to flows back into a
// processor's input: events on the flow event topic are delivered
// immediately, session events are routed to the flow that owns the
// receiving session, and scheduled wakeups on the timer topic are delivered
// when they fire. Records on other topics are ignored.
//
// It stands in for the broker, the session mapper and the timer service
// when a single worker runs on its own. A session is owned by the flow that
// last sent on it; a SessionInit for an unknown session starts a responder
// flow whose ID is the receiving session ID. The routing table lives in
// memory only.
type Loopback struct {
	topics flow.Topics
	out    chan<- flow.Event
	now    func() time.Time

	mu       sync.Mutex
	timers   map[string]*time.Timer
	sessions map[string]string
	done     chan struct{}
	closed   bool
}

// NewLoopback delivers events to out. Empty topic names take their defaults.
func NewLoopback(topics flow.Topics, out chan<- flow.Event) *Loopback {
	d := flow.DefaultTopics()
	if topics.FlowEvent == "" {
		topics.FlowEvent = d.FlowEvent
	}
	if topics.Timer == "" {
		topics.Timer = d.Timer
	}
	if topics.SessionOut == "" {
		topics.SessionOut = d.SessionOut
	}
	return &Loopback{
		topics:   topics,
		out:      out,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
		sessions: make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Publish routes records by topic.
func (l *Loopback) Publish(ctx context.Context, records []store.Record) error {
	for _, r := range records {
		switch r.Topic {
		case l.topics.FlowEvent:
			ev, err := flow.DecodeEvent(r.Value)
			if err != nil {
				return fmt.Errorf("record %s: %w", r.ID, err)
			}
			if err := l.deliver(ctx, ev); err != nil {
				return err
			}
		case l.topics.SessionOut:
			var se flow.SessionEvent
			if err := json.Unmarshal(r.Value, &se); err != nil {
				return fmt.Errorf("record %s: failed to decode session event: %w", r.ID, err)
			}
			target, ok := l.route(r.FlowID, &se)
			if !ok {
				continue
			}
			if err := l.deliver(ctx, flow.Event{FlowID: target, Payload: &se}); err != nil {
				return err
			}
		case l.topics.Timer:
			var w flow.ScheduledWakeup
			if err := json.Unmarshal(r.Value, &w); err != nil {
				return fmt.Errorf("record %s: failed to decode wakeup: %w", r.ID, err)
			}
			l.schedule(r.ID, w)
		}
	}
	return nil
}

func (l *Loopback) deliver(ctx context.Context, ev flow.Event) error {
	select {
	case l.out <- ev:
		return nil
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// route records that sender owns its end of the session and returns the
// flow owning the receiving end.
func (l *Loopback) route(sender string, se *flow.SessionEvent) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sessions[flow.CounterpartySessionID(se.SessionID)] = sender
	if target, ok := l.sessions[se.SessionID]; ok {
		return target, true
	}
	if _, ok := se.Payload.(*flow.SessionInit); ok {
		l.sessions[se.SessionID] = se.SessionID
		return se.SessionID, true
	}
	return "", false
}

// schedule arms a timer for w. Redelivered records replace the earlier timer.
func (l *Loopback) schedule(id string, w flow.ScheduledWakeup) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if t, ok := l.timers[id]; ok {
		t.Stop()
	}

	ev := w.Event()
	l.timers[id] = time.AfterFunc(w.FireAt.Sub(l.now()), func() {
		l.mu.Lock()
		delete(l.timers, id)
		l.mu.Unlock()

		select {
		case l.out <- ev:
		case <-l.done:
		}
	})
}

// Pending returns the number of armed timers.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Close stops all timers. Wakeups that have not fired are dropped.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}
