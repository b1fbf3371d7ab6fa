package flow

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Services is the explicit set of collaborators flow logic may use.
//
// It replaces annotation-driven injection: everything a flow can reach is
// registered here by name at startup and handed to logic that implements
// ServiceConsumer.
type Services struct {
	Clock  Clock // for services; flow logic reads time through Fiber.Now
	Logger *slog.Logger

	mu     sync.RWMutex
	values map[string]any
}

// NewServices returns a service set with the system clock and default logger.
func NewServices() *Services {
	return &Services{
		Clock:  SystemClock(),
		Logger: slog.Default(),
		values: make(map[string]any),
	}
}

// Register makes svc available under name.
func (s *Services) Register(name string, svc any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[name] = svc
}

// Lookup returns the service registered under name.
func (s *Services) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.values[name]
	return svc, ok
}

// ServiceConsumer is implemented by logic that needs services. InjectServices
// is called once per fiber execution, before Call.
type ServiceConsumer interface {
	InjectServices(s *Services) error
}

type responder struct {
	class    string
	versions []int
}

// Registry maps flow names to constructors and session protocols to
// responder flows. It is populated at startup and read concurrently by the
// runner afterwards.
type Registry struct {
	mu         sync.RWMutex
	flows      map[string]Constructor
	responders map[string][]responder
	services   *Services
}

// NewRegistry creates an empty registry. services may be nil.
func NewRegistry(services *Services) *Registry {
	if services == nil {
		services = NewServices()
	}
	return &Registry{
		flows:      make(map[string]Constructor),
		responders: make(map[string][]responder),
		services:   services,
	}
}

// Services returns the registry's service set.
func (r *Registry) Services() *Services {
	return r.services
}

// RegisterFlow registers a flow constructor under name.
//
// Returns an error if name is empty, ctor is nil or name is already taken.
func (r *Registry) RegisterFlow(name string, ctor Constructor) error {
	if name == "" {
		return newError(KindConfiguration, "INVALID_FLOW", "", "flow name cannot be empty", nil)
	}
	if ctor == nil {
		return newError(KindConfiguration, "INVALID_FLOW", "", "flow constructor cannot be nil: "+name, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[name]; exists {
		return newError(KindConfiguration, "DUPLICATE_FLOW", "", "duplicate flow name: "+name, nil)
	}
	r.flows[name] = ctor
	return nil
}

// RegisterResponder registers class as the responder for protocol at the
// given versions. class must already be registered as a flow.
func (r *Registry) RegisterResponder(protocol string, versions []int, class string) error {
	if protocol == "" || len(versions) == 0 {
		return newError(KindConfiguration, "INVALID_RESPONDER", "", "responder needs a protocol and at least one version", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.flows[class]; !ok {
		return newError(KindConfiguration, "INVALID_RESPONDER", "", "responder class not registered: "+class, ErrFlowNotRegistered)
	}
	vs := make([]int, len(versions))
	copy(vs, versions)
	sort.Ints(vs)
	r.responders[protocol] = append(r.responders[protocol], responder{class: class, versions: vs})
	return nil
}

// LoadFlow constructs a fresh Logic for the named flow.
func (r *Registry) LoadFlow(name string) (Logic, error) {
	r.mu.RLock()
	ctor, ok := r.flows[name]
	r.mu.RUnlock()

	if !ok {
		return nil, newError(KindFiber, "FLOW_NOT_REGISTERED", "", "cannot load flow "+name, ErrFlowNotRegistered)
	}
	logic := ctor()
	if logic == nil {
		return nil, newError(KindFiber, "FLOW_NOT_REGISTERED", "", "constructor returned nil logic for "+name, ErrFlowNotRegistered)
	}
	return logic, nil
}

// ResolveResponder picks the responder for protocol that supports the
// highest version offered by the initiator. It returns the responder class
// and the negotiated version.
func (r *Registry) ResolveResponder(protocol string, offered []int) (string, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bestClass, bestVersion := "", 0
	for _, resp := range r.responders[protocol] {
		for _, v := range offered {
			if v > bestVersion && containsInt(resp.versions, v) {
				bestClass, bestVersion = resp.class, v
			}
		}
	}
	if bestClass == "" {
		return "", 0, newError(KindConfiguration, "NO_RESPONDER", "",
			fmt.Sprintf("protocol %q versions %v", protocol, offered), ErrNoResponder)
	}
	return bestClass, bestVersion, nil
}

// InjectServices hands the registry's services to logic if it wants them.
func (r *Registry) InjectServices(logic Logic) error {
	consumer, ok := logic.(ServiceConsumer)
	if !ok {
		return nil
	}
	if err := consumer.InjectServices(r.services); err != nil {
		return newError(KindFiber, "INJECTION_FAILED", "", "service injection failed", err)
	}
	return nil
}

func containsInt(sorted []int, v int) bool {
	i := sort.SearchInts(sorted, v)
	return i < len(sorted) && sorted[i] == v
}
