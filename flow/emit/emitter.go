package emit

// Emitter receives and processes observability events from the flow pipeline.
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down pipeline passes
//   - Thread-safe: Called concurrently from every partition worker
//   - Resilient: Handle backend failures without panicking
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic. Errors should be handled internally.
	Emit(event Event)
}

// MultiEmitter fans events out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that forwards to every non-nil emitter given.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		if e != nil {
			m.emitters = append(m.emitters, e)
		}
	}
	return m
}

// Emit forwards the event to each wrapped emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
