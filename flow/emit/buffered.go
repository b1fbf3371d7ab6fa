package emit

import "sync"

// BufferedEmitter stores events in memory, grouped by flow.
//
// It is intended for tests and for debugging tools that need to inspect the
// history of one flow after the fact. Memory grows with every event, so call
// Clear for flows that are no longer of interest.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // flowID -> events
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends the event to its flow's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.FlowID] = append(b.events[event.FlowID], event)
}

// GetHistory returns a copy of every event recorded for flowID in emission order.
func (b *BufferedEmitter) GetHistory(flowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[flowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// Last returns the most recent event for flowID.
func (b *BufferedEmitter) Last(flowID string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[flowID]
	if len(events) == 0 {
		return Event{}, false
	}
	return events[len(events)-1], true
}

// Clear drops the history for flowID, or for every flow when flowID is empty.
func (b *BufferedEmitter) Clear(flowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if flowID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, flowID)
	}
}
