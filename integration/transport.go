// Package integration bridges bounded contexts. Events a context exposes are
// published on per-class transport channels in a schema-agnostic wire form;
// events a context consumes arrive on the same channels and are posted into
// the local event bus marked external.
package integration

import (
	"context"
	"errors"

	"github.com/zjrosen/strand/signal"
)

var (
	// ErrChannelClosed is returned when publishing on a closed channel.
	ErrChannelClosed = errors.New("integration: channel closed")
)

// ChannelID names one transport channel. Channels are keyed by the message
// class they carry.
type ChannelID string

// ChannelOf returns the channel carrying the given message class.
func ChannelOf(messageClass string) ChannelID { return ChannelID(messageClass) }

// ExternalMessage is the wire form of a signal crossing a context boundary.
// The payload travels as codec bytes; everything else is plain metadata.
type ExternalMessage struct {
	SignalID    string
	Kind        signal.Kind
	TypeURL     string
	Payload     []byte
	ProducerKey string
	Version     signal.Version
	Context     signal.Context

	// Origin is the name of the publishing context.
	Origin string
}

// Publisher sends messages on one channel.
type Publisher interface {
	Publish(ctx context.Context, msg ExternalMessage) error
	Close() error
}

// Subscriber receives messages from one channel. Observe registers the
// callback invoked for each message; a subscriber has exactly one observer.
type Subscriber interface {
	Observe(fn func(ExternalMessage)) error
	Close() error
}

// TransportFactory creates the channel endpoints of one context. Both sides
// of a bridge must be built over the same underlying medium.
type TransportFactory interface {
	CreatePublisher(channel ChannelID) (Publisher, error)
	CreateSubscriber(channel ChannelID) (Subscriber, error)
	Close() error
}
