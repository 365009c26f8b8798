package model

import (
	"fmt"
	"sort"

	"github.com/zjrosen/strand/internal/log"
)

// Map indexes the handlers of one entity class by the message class they
// consume, with optional filter-field narrowing. It is populated once at
// registration and read-only afterwards.
type Map struct {
	// byKey indexes descriptors by (message class, filter field value).
	byKey map[mapKey]Descriptor
}

type mapKey struct {
	class  string
	filter string
}

// NewMap creates an empty handler map.
func NewMap() *Map {
	return &Map{byKey: make(map[mapKey]Descriptor)}
}

// Add checks the descriptor and stores it. Error-severity mismatches fail
// with ErrInvalidHandler; warnings are logged and registration proceeds.
// A second handler for the same (class, filter value) fails with
// ErrDuplicateHandler.
func (m *Map) Add(d Descriptor) error {
	mismatches := Check(d)
	for _, mm := range mismatches {
		if mm.Severity == Warn {
			log.Warn(log.CatEntity, "handler signature warning", "mismatch", mm.String())
		}
	}
	if HasErrors(mismatches) {
		return fmt.Errorf("%w: %s %q on %s", ErrInvalidHandler, d.Kind, d.Name, d.MessageClass)
	}

	key := mapKey{class: d.MessageClass, filter: d.FilterField}
	if existing, ok := m.byKey[key]; ok {
		return fmt.Errorf("%w: %s already handled by %q", ErrDuplicateHandler, d.MessageClass, existing.Name)
	}
	m.byKey[key] = d
	return nil
}

// HandlerOf returns the descriptor for the class, preferring a filter-field
// match over the unfiltered handler.
func (m *Map) HandlerOf(class, filterValue string) (Descriptor, bool) {
	if filterValue != "" {
		if d, ok := m.byKey[mapKey{class: class, filter: filterValue}]; ok {
			return d, true
		}
	}
	d, ok := m.byKey[mapKey{class: class}]
	return d, ok
}

// HandledClasses returns the distinct consumed classes, sorted for
// deterministic registration order.
func (m *Map) HandledClasses() []string {
	seen := make(map[string]struct{}, len(m.byKey))
	for key := range m.byKey {
		seen[key.class] = struct{}{}
	}
	classes := make([]string, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// ClassesOfKind returns the consumed classes of handlers of the given kind,
// sorted.
func (m *Map) ClassesOfKind(kinds ...HandlerKind) []string {
	want := make(map[HandlerKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	seen := make(map[string]struct{})
	for key, d := range m.byKey {
		if want[d.Kind] {
			seen[key.class] = struct{}{}
		}
	}
	classes := make([]string, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Len returns the number of registered handlers.
func (m *Map) Len() int { return len(m.byKey) }
