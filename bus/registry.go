package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/strand/signal"
)

var (
	// ErrDuplicateHandler is returned by a unicast registry when a class is
	// already dispatched.
	ErrDuplicateHandler = errors.New("bus: class already has a dispatcher")

	// ErrInvalidDispatcher is returned when a dispatcher exposes no classes.
	ErrInvalidDispatcher = errors.New("bus: dispatcher exposes no message classes")

	// ErrNoDispatcher is returned when a posted command has no dispatcher.
	ErrNoDispatcher = errors.New("bus: no dispatcher for message class")
)

// Dispatcher consumes messages of the classes it exposes. Repositories and
// integration adapters implement it.
type Dispatcher interface {
	// MessageClasses returns the type URLs the dispatcher consumes.
	// Must be non-empty.
	MessageClasses() []string

	// Dispatch hands the envelope to the dispatcher. A *RejectionError
	// return becomes a rejection ack; any other error an error ack.
	Dispatch(ctx context.Context, env signal.Envelope) error
}

// Registry is the per-bus class-to-dispatcher index. A unicast registry
// admits at most one dispatcher per class; a multicast registry appends.
type Registry struct {
	mu        sync.RWMutex
	multicast bool
	byClass   map[string][]Dispatcher
}

// NewRegistry creates a registry with the given cast semantics.
func NewRegistry(multicast bool) *Registry {
	return &Registry{
		multicast: multicast,
		byClass:   make(map[string][]Dispatcher),
	}
}

// Register indexes the dispatcher under every class it exposes. For unicast
// registries the whole registration fails with ErrDuplicateHandler if any
// class is already taken; nothing is partially registered.
func (r *Registry) Register(d Dispatcher) error {
	classes := d.MessageClasses()
	if len(classes) == 0 {
		return ErrInvalidDispatcher
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.multicast {
		for _, class := range classes {
			if len(r.byClass[class]) > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicateHandler, class)
			}
		}
	}
	for _, class := range classes {
		r.byClass[class] = append(r.byClass[class], d)
	}
	return nil
}

// Unregister removes every association of the dispatcher.
func (r *Registry) Unregister(d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for class, dispatchers := range r.byClass {
		kept := dispatchers[:0]
		for _, existing := range dispatchers {
			if existing != d {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(r.byClass, class)
		} else {
			r.byClass[class] = kept
		}
	}
}

// DispatchersOf returns the dispatchers registered for the class.
func (r *Registry) DispatchersOf(class string) []Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dispatchers := r.byClass[class]
	if len(dispatchers) == 0 {
		return nil
	}
	out := make([]Dispatcher, len(dispatchers))
	copy(out, dispatchers)
	return out
}

// RegisteredClasses returns the classes that currently have dispatchers.
func (r *Registry) RegisteredClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.byClass))
	for class := range r.byClass {
		classes = append(classes, class)
	}
	return classes
}
