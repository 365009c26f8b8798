// Package bus provides the pub/sub fabric of a bounded context: a uniform
// pipeline of envelope, validation, filtering, routing and dispatch, with a
// per-class dispatcher registry and acknowledgement reporting. The command
// bus is unicast; event, rejection and integration buses are multicast.
package bus

import (
	"fmt"

	"github.com/zjrosen/strand/signal"
)

// AckStatus is the outcome class of posting one signal.
type AckStatus int

const (
	// StatusOK: the signal was accepted and handed to its dispatchers.
	StatusOK AckStatus = iota
	// StatusError: a technical failure; the signal was not dispatched.
	StatusError
	// StatusRejection: a business-level refusal carrying a rejection event.
	StatusRejection
)

func (s AckStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusRejection:
		return "rejection"
	default:
		return "unknown"
	}
}

// Ack acknowledges one posted signal.
type Ack struct {
	SignalID string
	Status   AckStatus

	// Err is set for StatusError.
	Err error

	// Rejection is set for StatusRejection.
	Rejection *signal.Signal
}

// OK builds a success ack.
func OK(signalID string) Ack {
	return Ack{SignalID: signalID, Status: StatusOK}
}

// Errored builds an error ack.
func Errored(signalID string, err error) Ack {
	return Ack{SignalID: signalID, Status: StatusError, Err: err}
}

// Rejected builds a rejection ack.
func Rejected(signalID string, rejection signal.Signal) Ack {
	return Ack{SignalID: signalID, Status: StatusRejection, Rejection: &rejection}
}

// RejectionError carries a rejection signal through an error return. The bus
// converts it into a StatusRejection ack instead of a StatusError one.
type RejectionError struct {
	Rejection signal.Signal
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected with %s", e.Rejection.MessageClass())
}
