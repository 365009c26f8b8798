// Package model describes the handlers an entity class exposes. Instead of
// reflective introspection, every handler is registered as a descriptor:
// its kind, the class it consumes, the shapes of its parameters and return
// value, and the function pointer. The checker is a pure predicate over
// descriptors; errors block registration, warnings are logged.
package model

import (
	"errors"

	"github.com/zjrosen/strand/signal"
)

// HandlerKind classifies a handler entry point.
type HandlerKind int

const (
	// CommandHandler consumes a command and emits events (or a rejection).
	CommandHandler HandlerKind = iota
	// CommandSubstitute consumes a command and emits commands in its place.
	CommandSubstitute
	// EventApplier mutates aggregate state from one event. Aggregates only.
	EventApplier
	// EventReactor consumes an event and may emit further signals.
	EventReactor
	// RejectionReactor consumes a rejection of an earlier command.
	RejectionReactor
	// EventSubscriber consumes an event and only mutates state. Projections.
	EventSubscriber
)

func (k HandlerKind) String() string {
	switch k {
	case CommandHandler:
		return "command-handler"
	case CommandSubstitute:
		return "command-substitute"
	case EventApplier:
		return "event-applier"
	case EventReactor:
		return "event-reactor"
	case RejectionReactor:
		return "rejection-reactor"
	case EventSubscriber:
		return "event-subscriber"
	default:
		return "unknown"
	}
}

// ParamSpec enumerates the accepted parameter shapes.
type ParamSpec int

const (
	// ParamsMessage is the single-message shape.
	ParamsMessage ParamSpec = iota
	// ParamsMessageContext adds the signal context.
	ParamsMessageContext
	// ParamsEventMessageContext is an event message with its event context.
	ParamsEventMessageContext
	// ParamsRejectionCommandContext is a rejection with the context of the
	// rejected command.
	ParamsRejectionCommandContext
	// ParamsRejectionCommandContextMessage adds the rejected command itself.
	ParamsRejectionCommandContextMessage
)

// ReturnSpec enumerates the accepted return shapes.
type ReturnSpec int

const (
	// ReturnsNothing is a pure state mutation.
	ReturnsNothing ReturnSpec = iota
	// ReturnsMessage emits exactly one message.
	ReturnsMessage
	// ReturnsMessages emits zero or more messages.
	ReturnsMessages
	// ReturnsOptionalMessage emits at most one message.
	ReturnsOptionalMessage
	// ReturnsPair emits exactly two messages.
	ReturnsPair
)

// Result is what a handler yields: produced messages, or a rejection, or an
// error. At most one of Rejection and Err is set.
type Result struct {
	// Events produced while handling. Their order is preserved through the
	// event bus.
	Events []signal.Message

	// Commands produced by a command substitute or a process manager.
	Commands []signal.Message

	// Rejection refuses the consumed command at the business level.
	Rejection signal.Message

	// Err is a technical failure; it aborts the transaction phase.
	Err error

	// Archive, Delete and Restore request lifecycle transitions, applied
	// on commit together with the state.
	Archive bool
	Delete  bool
	Restore bool
}

// Reject builds a rejecting result.
func Reject(m signal.Message) Result { return Result{Rejection: m} }

// Emit builds a result producing the given events.
func Emit(events ...signal.Message) Result { return Result{Events: events} }

// Substitute builds a result producing the given commands.
func Substitute(commands ...signal.Message) Result { return Result{Commands: commands} }

// Fail builds a failing result.
func Fail(err error) Result { return Result{Err: err} }

// HandlerFunc is the uniform handler shape. The state argument is the
// transaction's mutable builder; appliers and subscribers mutate it, command
// handlers read it and emit through the result.
type HandlerFunc func(state any, env signal.Envelope) Result

// Descriptor registers one handler entry point of an entity class.
type Descriptor struct {
	// Kind of the entry point.
	Kind HandlerKind

	// MessageClass is the type URL of the consumed message.
	MessageClass string

	// FilterField optionally narrows the handler to messages whose
	// FilterValue (signal.Filtered) equals it. Two handlers of one class
	// must differ in it.
	FilterField string

	// Name of the entry point, for diagnostics. Exported names are the
	// convention; an unexported name is a warning.
	Name string

	// Params declares the parameter shape.
	Params ParamSpec

	// Returns declares the return shape.
	Returns ReturnSpec

	// Emits lists the classes the handler may produce. Used by the loop
	// check and by bus registration of produced classes.
	Emits []string

	// Fn is the entry point itself.
	Fn HandlerFunc
}

var (
	// ErrDuplicateHandler is returned when a (class, filter) pair already
	// has a handler.
	ErrDuplicateHandler = errors.New("model: duplicate handler")

	// ErrInvalidHandler is returned when a descriptor fails the signature
	// check with at least one error-severity mismatch.
	ErrInvalidHandler = errors.New("model: invalid handler signature")
)
