package signal

import "strconv"

// EntityID is an opaque entity key. Implementations must produce a
// deterministic serialized form; two ids are equal iff their keys are equal.
type EntityID interface {
	// Key returns the serialized form used for comparison and sharding.
	Key() string
}

// StringID is a string-valued entity id.
type StringID string

// Key implements EntityID.
func (s StringID) Key() string { return string(s) }

// IntID is an integer-valued entity id.
type IntID int64

// Key implements EntityID.
func (i IntID) Key() string { return strconv.FormatInt(int64(i), 10) }

// MessageID is an entity id backed by a typed message, keyed by its type URL
// and a deterministic value rendering.
type MessageID struct {
	URL   string
	Value string
}

// Key implements EntityID.
func (m MessageID) Key() string { return m.URL + ":" + m.Value }

// SameID reports whether two ids refer to the same entity.
func SameID(a, b EntityID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key() == b.Key()
}
