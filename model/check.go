package model

import (
	"fmt"
	"unicode"
)

// Severity of a signature mismatch.
type Severity int

const (
	// Warn mismatches are logged; registration proceeds.
	Warn Severity = iota
	// Error mismatches prevent registration.
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "ERROR"
	}
	return "WARN"
}

// Criterion names the rule a descriptor failed.
type Criterion string

const (
	// ReturnType: the return shape does not fit the handler kind.
	ReturnType Criterion = "return-type"
	// AccessModifier: the entry point name is unexported.
	AccessModifier Criterion = "access-modifier"
	// ParameterList: the parameter shape does not fit the handler kind.
	ParameterList Criterion = "parameter-list"
	// MissingFunction: the descriptor has no function pointer.
	MissingFunction Criterion = "missing-function"
	// MissingClass: the descriptor names no consumed class.
	MissingClass Criterion = "missing-class"
	// SelfLoop: the handler emits the class it consumes, which would feed
	// the event store back into itself.
	SelfLoop Criterion = "self-loop"
)

// Mismatch is one failed criterion of a descriptor.
type Mismatch struct {
	Severity  Severity
	Criterion Criterion
	Message   string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Severity, m.Criterion, m.Message)
}

// returnsAllowed maps each kind to its accepted return shapes.
var returnsAllowed = map[HandlerKind]map[ReturnSpec]bool{
	CommandHandler: {
		ReturnsMessage: true, ReturnsMessages: true, ReturnsPair: true,
	},
	CommandSubstitute: {
		ReturnsMessage: true, ReturnsMessages: true, ReturnsPair: true,
	},
	EventApplier: {
		ReturnsNothing: true,
	},
	EventReactor: {
		ReturnsNothing: true, ReturnsMessage: true, ReturnsMessages: true,
		ReturnsOptionalMessage: true, ReturnsPair: true,
	},
	RejectionReactor: {
		ReturnsNothing: true, ReturnsMessage: true, ReturnsMessages: true,
		ReturnsOptionalMessage: true,
	},
	EventSubscriber: {
		ReturnsNothing: true,
	},
}

// paramsAllowed maps each kind to its accepted parameter shapes.
var paramsAllowed = map[HandlerKind]map[ParamSpec]bool{
	CommandHandler: {
		ParamsMessage: true, ParamsMessageContext: true,
	},
	CommandSubstitute: {
		ParamsMessage: true, ParamsMessageContext: true,
	},
	EventApplier: {
		ParamsMessage: true, ParamsEventMessageContext: true,
	},
	EventReactor: {
		ParamsMessage: true, ParamsMessageContext: true, ParamsEventMessageContext: true,
	},
	RejectionReactor: {
		ParamsMessage: true, ParamsRejectionCommandContext: true,
		ParamsRejectionCommandContextMessage: true,
	},
	EventSubscriber: {
		ParamsMessage: true, ParamsEventMessageContext: true,
	},
}

// Check tests the descriptor against all criteria and returns every
// mismatch found. An empty result means the descriptor is valid.
func Check(d Descriptor) []Mismatch {
	var mismatches []Mismatch

	if d.Fn == nil {
		mismatches = append(mismatches, Mismatch{
			Severity:  Error,
			Criterion: MissingFunction,
			Message:   fmt.Sprintf("%s handler %q has no function", d.Kind, d.Name),
		})
	}
	if d.MessageClass == "" {
		mismatches = append(mismatches, Mismatch{
			Severity:  Error,
			Criterion: MissingClass,
			Message:   fmt.Sprintf("%s handler %q consumes no class", d.Kind, d.Name),
		})
	}
	if allowed := returnsAllowed[d.Kind]; !allowed[d.Returns] {
		mismatches = append(mismatches, Mismatch{
			Severity:  Error,
			Criterion: ReturnType,
			Message:   fmt.Sprintf("%s %q: return shape %d not allowed", d.Kind, d.Name, d.Returns),
		})
	}
	if allowed := paramsAllowed[d.Kind]; !allowed[d.Params] {
		mismatches = append(mismatches, Mismatch{
			Severity:  Error,
			Criterion: ParameterList,
			Message:   fmt.Sprintf("%s %q: parameter shape %d not allowed", d.Kind, d.Name, d.Params),
		})
	}
	for _, emitted := range d.Emits {
		if emitted == d.MessageClass {
			mismatches = append(mismatches, Mismatch{
				Severity:  Error,
				Criterion: SelfLoop,
				Message:   fmt.Sprintf("%s %q emits the class it consumes: %s", d.Kind, d.Name, emitted),
			})
			break
		}
	}
	if d.Name != "" && !unicode.IsUpper(rune(d.Name[0])) {
		mismatches = append(mismatches, Mismatch{
			Severity:  Warn,
			Criterion: AccessModifier,
			Message:   fmt.Sprintf("%s %q: handler names are exported by convention", d.Kind, d.Name),
		})
	}

	return mismatches
}

// HasErrors reports whether any mismatch has error severity.
func HasErrors(mismatches []Mismatch) bool {
	for _, m := range mismatches {
		if m.Severity == Error {
			return true
		}
	}
	return false
}
