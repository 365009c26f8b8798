package entity

import (
	"github.com/zjrosen/strand/internal/pubsub"
)

// Diagnostic event types. Asynchronous failures surface here: the originating
// command only ever sees an ack, everything later is a diagnostic.
const (
	// EvEntityStateCorrupted: stored state cannot be loaded or replayed.
	EvEntityStateCorrupted pubsub.EventType = "diagnostic.entity_state_corrupted"
	// EvHandlerFailed: a handler returned an error or panicked.
	EvHandlerFailed pubsub.EventType = "diagnostic.handler_failed_unexpectedly"
	// EvRoutingFailed: a routing table could not produce targets.
	EvRoutingFailed pubsub.EventType = "diagnostic.routing_failed"
	// EvConstraintViolated: a phase produced state failing validation.
	EvConstraintViolated pubsub.EventType = "diagnostic.constraint_violated"
)

// Diagnostic is the payload of one diagnostic notification.
type Diagnostic struct {
	EntityType string
	EntityID   string
	SignalID   string
	Err        error
}

// NewDiagnostics creates the broker diagnostic events are published on. One
// per bounded context.
func NewDiagnostics() *pubsub.Broker[Diagnostic] {
	return pubsub.NewBroker[Diagnostic]()
}
