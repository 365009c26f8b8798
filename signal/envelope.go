package signal

import "errors"

var (
	// ErrNilPayload is returned when a signal carries no payload at all.
	ErrNilPayload = errors.New("signal payload is nil")

	// ErrDefaultMessage is returned when a signal carries the default value
	// of its payload type. Default messages are never enqueued or stored.
	ErrDefaultMessage = errors.New("signal payload is a default message")

	// ErrEmptyOrigin is returned when a non-root signal has an empty origin
	// chain. Only root commands may lack a parent.
	ErrEmptyOrigin = errors.New("signal origin chain is empty")

	// ErrMissingID is returned when a signal has no id.
	ErrMissingID = errors.New("signal id is empty")
)

// Envelope wraps a signal for routing: it exposes the message class, tenancy
// and origin without touching the payload.
type Envelope struct {
	Signal Signal
}

// Enclose wraps a signal, rejecting malformed ones. This is the single entry
// point into the bus pipeline: everything past it holds a well-formed signal.
func Enclose(s Signal) (Envelope, error) {
	if s.ID == "" {
		return Envelope{}, ErrMissingID
	}
	if s.Payload == nil {
		return Envelope{}, ErrNilPayload
	}
	if s.Payload.IsDefault() {
		return Envelope{}, ErrDefaultMessage
	}
	if s.Context.IsRoot() && s.Kind != KindCommand {
		return Envelope{}, ErrEmptyOrigin
	}
	return Envelope{Signal: s}, nil
}

// MessageClass returns the type URL of the enclosed payload.
func (e Envelope) MessageClass() string { return e.Signal.MessageClass() }

// TenantID returns the tenant the signal belongs to.
func (e Envelope) TenantID() string { return e.Signal.Context.TenantID }

// OriginID returns the id of the direct parent signal, or "" for a root
// command.
func (e Envelope) OriginID() string { return e.Signal.Context.OriginID() }

// External reports whether the signal entered through the integration bus.
func (e Envelope) External() bool { return e.Signal.Context.External }

// ID returns the enclosed signal id.
func (e Envelope) ID() string { return e.Signal.ID }
