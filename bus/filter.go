package bus

import (
	"sync"
	"time"

	"github.com/zjrosen/strand/signal"
)

// Verdict is a filter's decision about a signal.
type Verdict int

const (
	// VerdictAccept passes the signal to the next filter.
	VerdictAccept Verdict = iota
	// VerdictAck short-circuits the pipeline with the filter's ack.
	VerdictAck
	// VerdictDrop silently discards the signal. The caller still receives
	// an OK ack: a drop is by design, not a failure.
	VerdictDrop
)

// Decision is the outcome of one filter check.
type Decision struct {
	Verdict Verdict
	Ack     Ack
}

// Accept passes the signal on.
func Accept() Decision { return Decision{Verdict: VerdictAccept} }

// ShortCircuit stops the pipeline and answers with the given ack.
func ShortCircuit(ack Ack) Decision { return Decision{Verdict: VerdictAck, Ack: ack} }

// Drop silently discards the signal.
func Drop() Decision { return Decision{Verdict: VerdictDrop} }

// Filter inspects envelopes before dispatch. Filters run in registration
// order; the first non-accepting decision wins.
type Filter interface {
	Name() string
	Check(env signal.Envelope) Decision
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc struct {
	FilterName string
	Fn         func(env signal.Envelope) Decision
}

// Name implements Filter.
func (f FilterFunc) Name() string { return f.FilterName }

// Check implements Filter.
func (f FilterFunc) Check(env signal.Envelope) Decision { return f.Fn(env) }

// DedupFilter drops signals whose id was already posted within the window.
// It guards the bus against double posting by retrying callers; the
// authoritative idempotence window lives in the delivery inbox.
type DedupFilter struct {
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupFilter creates a dedup filter with the given window.
func NewDedupFilter(window time.Duration) *DedupFilter {
	return &DedupFilter{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Name implements Filter.
func (f *DedupFilter) Name() string { return "dedup" }

// Check implements Filter.
func (f *DedupFilter) Check(env signal.Envelope) Decision {
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if posted, ok := f.seen[env.ID()]; ok && now.Sub(posted) < f.window {
		return ShortCircuit(OK(env.ID()))
	}
	f.seen[env.ID()] = now

	// Opportunistic cleanup of expired entries.
	for id, posted := range f.seen {
		if now.Sub(posted) >= f.window {
			delete(f.seen, id)
		}
	}
	return Accept()
}
