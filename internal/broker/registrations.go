package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RegistrationState is a service's position in the port negotiation.
type RegistrationState int

const (
	StateUnregistered RegistrationState = iota
	StateAwaitingAssignment
	StateCandidatesReceived
	StateBound
	StateBindFailed
	StateActive
)

func (s RegistrationState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateAwaitingAssignment:
		return "awaiting_assignment"
	case StateCandidatesReceived:
		return "candidates_received"
	case StateBound:
		return "bound"
	case StateBindFailed:
		return "bind_failed"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allowedTransitions = map[RegistrationState][]RegistrationState{
	StateUnregistered:       {StateAwaitingAssignment},
	StateAwaitingAssignment: {StateCandidatesReceived, StateUnregistered},
	StateCandidatesReceived: {StateBound, StateBindFailed},
	StateBindFailed:         {StateAwaitingAssignment, StateUnregistered},
	StateBound:              {StateActive},
	StateActive:             {StateUnregistered},
}

func canTransition(from, to RegistrationState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ServiceRegistration is a snapshot of one service's negotiation.
type ServiceRegistration struct {
	Name      string
	Channel   string
	PortCount int
	Ports     []int
	Address   string
	State     RegistrationState
	// Attempts counts port assignments requested from the broker.
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// RegistrationTable tracks service registrations by name.
type RegistrationTable struct {
	mu    sync.RWMutex
	items map[string]ServiceRegistration
}

func NewRegistrationTable() *RegistrationTable {
	return &RegistrationTable{
		items: make(map[string]ServiceRegistration),
	}
}

// begin starts a negotiation for reg.Name. A name already mid-negotiation
// or active cannot be registered again.
func (t *RegistrationTable) begin(reg ServiceRegistration) (ServiceRegistration, error) {
	key := strings.TrimSpace(reg.Name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.items[key]; ok && cur.State != StateUnregistered {
		return cur, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, key, cur.State)
	}
	reg.Name = key
	reg.State = StateAwaitingAssignment
	reg.Attempts = 1
	reg.UpdatedAt = time.Now()
	t.items[key] = reg
	return reg, nil
}

// transition moves name to state to, applying mutate to the stored entry.
func (t *RegistrationTable) transition(name string, to RegistrationState, mutate func(*ServiceRegistration)) (ServiceRegistration, error) {
	key := strings.TrimSpace(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[key]
	if !ok {
		return ServiceRegistration{}, fmt.Errorf("%w: %s", ErrUnknownService, key)
	}
	if !canTransition(item.State, to) {
		return item, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, item.State, to)
	}
	item.State = to
	if mutate != nil {
		mutate(&item)
	}
	item.UpdatedAt = time.Now()
	t.items[key] = item
	return item, nil
}

func (t *RegistrationTable) Remove(name string) {
	key := strings.TrimSpace(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, key)
}

func (t *RegistrationTable) Get(name string) (ServiceRegistration, bool) {
	key := strings.TrimSpace(name)
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[key]
	return item, ok
}

func (t *RegistrationTable) List() []ServiceRegistration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ServiceRegistration, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
