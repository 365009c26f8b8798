package delivery

// OutcomeKind classifies the result of delivering one inbox message.
type OutcomeKind int

const (
	// OutcomeSuccess: the target handled the signal.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeError: the target failed; the message is consumed and the
	// error surfaces through the monitor and diagnostics.
	OutcomeError
	// OutcomeIgnored: a duplicate inside the idempotence window, or a
	// signal the target no longer handles.
	OutcomeIgnored
	// OutcomeInterrupted: page processing stopped before this message; it
	// stays in the inbox for the next round.
	OutcomeInterrupted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Outcome describes what delivering one message produced.
type Outcome struct {
	Kind     OutcomeKind
	SignalID string

	// Produced counts signals emitted by the handler, for monitoring.
	ProducedEvents   int
	ProducedCommands int

	// Err is set for OutcomeError.
	Err error

	// Reason is set for OutcomeIgnored.
	Reason string

	// StoppedAt names the failing message for OutcomeInterrupted.
	StoppedAt string
}

// Delivered reports a handled signal.
func Delivered(signalID string, events, commands int) Outcome {
	return Outcome{Kind: OutcomeSuccess, SignalID: signalID, ProducedEvents: events, ProducedCommands: commands}
}

// Failed reports a handler failure.
func Failed(signalID string, err error) Outcome {
	return Outcome{Kind: OutcomeError, SignalID: signalID, Err: err}
}

// Ignored reports a deliberately skipped signal.
func Ignored(signalID, reason string) Outcome {
	return Outcome{Kind: OutcomeIgnored, SignalID: signalID, Reason: reason}
}

// Interrupted reports a message left behind after an earlier failure.
func Interrupted(signalID, stoppedAt string) Outcome {
	return Outcome{Kind: OutcomeInterrupted, SignalID: signalID, StoppedAt: stoppedAt}
}
