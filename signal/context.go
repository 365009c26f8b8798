package signal

import "time"

// Context is the origin chain of a signal: who produced it, in reaction to
// what, for which tenant. Every non-root signal has exactly one parent.
type Context struct {
	// ParentCommandID is the id of the command this signal was produced in
	// reaction to, if any.
	ParentCommandID string

	// ParentEventID is the id of the event this signal was produced in
	// reaction to, if any.
	ParentEventID string

	// RootCommandID is the id of the command at the root of the origin chain.
	// For a root command it equals the command's own id.
	RootCommandID string

	// ActorID identifies the user or system actor that initiated the chain.
	ActorID string

	// TenantID scopes the signal in a multi-tenant deployment. Empty for
	// single-tenant contexts.
	TenantID string

	// Timestamp is when the signal was produced.
	Timestamp time.Time

	// External marks signals that entered this context through the
	// integration bus.
	External bool

	// Enrichments carries optional attachments keyed by type URL or
	// well-known names (trace propagation uses it).
	Enrichments map[string]any
}

// IsRoot reports whether the context has no parent signal. Only root
// commands are allowed to have an empty origin chain.
func (c Context) IsRoot() bool {
	return c.ParentCommandID == "" && c.ParentEventID == ""
}

// OriginID returns the id of the direct parent signal, preferring the
// command parent, or "" for a root command.
func (c Context) OriginID() string {
	if c.ParentCommandID != "" {
		return c.ParentCommandID
	}
	return c.ParentEventID
}

// ChildOfCommand derives the context of a signal produced while handling the
// given command.
func (c Context) ChildOfCommand(commandID string, now time.Time) Context {
	child := c
	child.ParentCommandID = commandID
	child.ParentEventID = ""
	child.Timestamp = now
	child.External = false
	if child.RootCommandID == "" {
		child.RootCommandID = commandID
	}
	return child
}

// ChildOfEvent derives the context of a signal produced while reacting to
// the given event.
func (c Context) ChildOfEvent(eventID string, now time.Time) Context {
	child := c
	child.ParentCommandID = ""
	child.ParentEventID = eventID
	child.Timestamp = now
	child.External = false
	return child
}

// WithEnrichment returns a copy of the context with the named enrichment set.
func (c Context) WithEnrichment(key string, value any) Context {
	enriched := c
	enriched.Enrichments = make(map[string]any, len(c.Enrichments)+1)
	for k, v := range c.Enrichments {
		enriched.Enrichments[k] = v
	}
	enriched.Enrichments[key] = value
	return enriched
}
