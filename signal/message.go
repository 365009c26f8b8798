// Package signal defines the messages moving through a bounded context:
// commands, events and rejections, their origin context, and the envelope
// used to route them.
package signal

// Message is a typed payload carried by a signal.
// Implementations are plain structs owned by the hosting application.
type Message interface {
	// TypeURL returns the stable type identifier of the payload.
	TypeURL() string

	// IsDefault reports whether the message is the zero value of its type.
	// Default messages are rejected at envelope time.
	IsDefault() bool
}

// Validatable is implemented by messages and entity states that carry
// declarative constraints. Validate is invoked by the bus validating filter
// and by transactions after every phase.
type Validatable interface {
	Validate() error
}

// Targeted is implemented by command messages that name their target entity
// directly. It replaces the first-id-field convention of schema-driven
// frameworks: the message itself reports the id.
type Targeted interface {
	TargetID() EntityID
}

// Filtered is implemented by messages whose class fans out to several
// handlers. The returned value selects the handler registered for it; an
// unmatched value falls back to the unfiltered handler.
type Filtered interface {
	FilterValue() string
}

// Registry validates payloads against their schema. It is an external
// collaborator; the in-tree default accepts any non-default message and
// defers to the message's own Validate when present.
type Registry interface {
	Validate(m Message) error
}

// SelfValidating is the default schema registry: a message validates itself.
type SelfValidating struct{}

// Validate implements Registry.
func (SelfValidating) Validate(m Message) error {
	if v, ok := m.(Validatable); ok {
		return v.Validate()
	}
	return nil
}
