package signal

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the signal variants.
type Kind int

const (
	// KindCommand is an instruction to change state, targeting exactly one
	// entity.
	KindCommand Kind = iota
	// KindEvent is a fact that happened, produced by one entity and
	// observed by any number of others.
	KindEvent
	// KindRejection is a business-level refusal of a command. Rejections
	// are a parallel family to events with their own dispatcher registry.
	KindRejection
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	case KindRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// Signal is a command, event or rejection moving through the context.
// Event-only fields (ProducerID, Version) are zero for commands.
type Signal struct {
	ID      string
	Kind    Kind
	Payload Message
	Context Context

	// ProducerID identifies the entity that emitted the event or rejection.
	ProducerID EntityID

	// Version is the producer's version at the moment the event was emitted.
	// Monotonically increasing per producer.
	Version Version
}

// NewCommand creates a root command signal.
func NewCommand(payload Message, actor string) Signal {
	id := uuid.NewString()
	return Signal{
		ID:      id,
		Kind:    KindCommand,
		Payload: payload,
		Context: Context{
			RootCommandID: id,
			ActorID:       actor,
			Timestamp:     time.Now(),
		},
	}
}

// NewTenantCommand creates a root command signal scoped to a tenant.
func NewTenantCommand(payload Message, actor, tenant string) Signal {
	cmd := NewCommand(payload, actor)
	cmd.Context.TenantID = tenant
	return cmd
}

// NewChildCommand creates a command produced while handling the origin
// signal, as a command substitute or process manager does. The origin chain
// and tenancy carry over.
func NewChildCommand(payload Message, origin Signal) Signal {
	now := time.Now()
	var ctx Context
	if origin.Kind == KindCommand {
		ctx = origin.Context.ChildOfCommand(origin.ID, now)
	} else {
		ctx = origin.Context.ChildOfEvent(origin.ID, now)
	}
	return Signal{
		ID:      uuid.NewString(),
		Kind:    KindCommand,
		Payload: payload,
		Context: ctx,
	}
}

// NewEvent creates an event produced by the given entity while handling the
// origin signal.
func NewEvent(payload Message, producer EntityID, version Version, origin Signal) Signal {
	now := time.Now()
	var ctx Context
	if origin.Kind == KindCommand {
		ctx = origin.Context.ChildOfCommand(origin.ID, now)
	} else {
		ctx = origin.Context.ChildOfEvent(origin.ID, now)
	}
	return Signal{
		ID:         uuid.NewString(),
		Kind:       KindEvent,
		Payload:    payload,
		Context:    ctx,
		ProducerID: producer,
		Version:    version,
	}
}

// NewRejection creates a rejection of the given command.
func NewRejection(payload Message, producer EntityID, command Signal) Signal {
	return Signal{
		ID:         uuid.NewString(),
		Kind:       KindRejection,
		Payload:    payload,
		Context:    command.Context.ChildOfCommand(command.ID, time.Now()),
		ProducerID: producer,
	}
}

// MessageClass returns the type URL of the payload, or "" for a nil payload.
func (s Signal) MessageClass() string {
	if s.Payload == nil {
		return ""
	}
	return s.Payload.TypeURL()
}
