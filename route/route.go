// Package route maps signals to the entity instances that must handle them.
// A routing table holds one function per message class plus a default; the
// command table yields exactly one target, the event table a set.
package route

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/strand/signal"
)

var (
	// ErrDuplicateRoute is returned when a class already has a route.
	ErrDuplicateRoute = errors.New("route: class already routed")

	// ErrRouteNotFound is returned when removing a class with no route.
	ErrRouteNotFound = errors.New("route: class not routed")

	// ErrRouteFailed is returned when command routing cannot produce
	// exactly one target id.
	ErrRouteFailed = errors.New("route: cannot determine target")
)

// CommandRoute resolves a command to its single target entity.
type CommandRoute func(env signal.Envelope) (signal.EntityID, error)

// EventRoute resolves an event or rejection to its target entities. An empty
// set means the repository ignores the signal.
type EventRoute func(env signal.Envelope) ([]signal.EntityID, error)

// CommandRouting is the class-keyed routing table of one command-handling
// repository. Reads dominate writes; writes happen at repository
// construction only.
type CommandRouting struct {
	mu       sync.RWMutex
	routes   map[string]CommandRoute
	fallback CommandRoute
}

// NewCommandRouting creates a table with the default route: the command
// message names its own target through signal.Targeted.
func NewCommandRouting() *CommandRouting {
	return &CommandRouting{
		routes:   make(map[string]CommandRoute),
		fallback: targetedRoute,
	}
}

// targetedRoute is the default command route.
func targetedRoute(env signal.Envelope) (signal.EntityID, error) {
	if t, ok := env.Signal.Payload.(signal.Targeted); ok {
		if id := t.TargetID(); id != nil && id.Key() != "" {
			return id, nil
		}
	}
	return nil, fmt.Errorf("%w: message %s does not name a target", ErrRouteFailed, env.MessageClass())
}

// Set installs a route for the class. Overwriting fails with
// ErrDuplicateRoute.
func (r *CommandRouting) Set(class string, fn CommandRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, class)
	}
	r.routes[class] = fn
	return nil
}

// Remove deletes the route for the class. Fails with ErrRouteNotFound if the
// class is not routed.
func (r *CommandRouting) Remove(class string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; !exists {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, class)
	}
	delete(r.routes, class)
	return nil
}

// ReplaceDefault swaps the fallback route.
func (r *CommandRouting) ReplaceDefault(fn CommandRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Apply resolves the envelope to exactly one target id.
func (r *CommandRouting) Apply(env signal.Envelope) (signal.EntityID, error) {
	r.mu.RLock()
	fn, ok := r.routes[env.MessageClass()]
	if !ok {
		fn = r.fallback
	}
	r.mu.RUnlock()

	id, err := fn(env)
	if err != nil {
		return nil, err
	}
	if id == nil || id.Key() == "" {
		return nil, fmt.Errorf("%w: empty id for %s", ErrRouteFailed, env.MessageClass())
	}
	return id, nil
}

// EventRouting is the class-keyed routing table of one event- or
// rejection-consuming repository.
type EventRouting struct {
	mu       sync.RWMutex
	routes   map[string]EventRoute
	fallback EventRoute
}

// NewEventRouting creates a table with the default route: the event's
// producer id from its context.
func NewEventRouting() *EventRouting {
	return &EventRouting{
		routes:   make(map[string]EventRoute),
		fallback: producerRoute,
	}
}

// producerRoute is the default event route.
func producerRoute(env signal.Envelope) ([]signal.EntityID, error) {
	if p := env.Signal.ProducerID; p != nil && p.Key() != "" {
		return []signal.EntityID{p}, nil
	}
	// An event without a producer is routed nowhere.
	return nil, nil
}

// UnicastOf adapts a single-target function into an EventRoute.
func UnicastOf(fn func(env signal.Envelope) (signal.EntityID, error)) EventRoute {
	return func(env signal.Envelope) ([]signal.EntityID, error) {
		id, err := fn(env)
		if err != nil {
			return nil, err
		}
		if id == nil || id.Key() == "" {
			return nil, nil
		}
		return []signal.EntityID{id}, nil
	}
}

// Set installs a route for the class. Overwriting fails with
// ErrDuplicateRoute.
func (r *EventRouting) Set(class string, fn EventRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, class)
	}
	r.routes[class] = fn
	return nil
}

// Remove deletes the route for the class. Fails with ErrRouteNotFound if the
// class is not routed.
func (r *EventRouting) Remove(class string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[class]; !exists {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, class)
	}
	delete(r.routes, class)
	return nil
}

// ReplaceDefault swaps the fallback route.
func (r *EventRouting) ReplaceDefault(fn EventRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Apply resolves the envelope to its target ids. The result is finite and
// possibly empty; duplicates are collapsed preserving first occurrence.
func (r *EventRouting) Apply(env signal.Envelope) ([]signal.EntityID, error) {
	r.mu.RLock()
	fn, ok := r.routes[env.MessageClass()]
	if !ok {
		fn = r.fallback
	}
	r.mu.RUnlock()

	ids, err := fn(env)
	if err != nil {
		return nil, err
	}
	if len(ids) <= 1 {
		return ids, nil
	}
	seen := make(map[string]struct{}, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if id == nil || id.Key() == "" {
			continue
		}
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		seen[id.Key()] = struct{}{}
		unique = append(unique, id)
	}
	return unique, nil
}
