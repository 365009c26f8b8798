package signal

import "time"

// Version is an entity or event version: a monotonically increasing number
// within one producer, stamped with the time it was assigned.
type Version struct {
	Number    int
	Timestamp time.Time
}

// ZeroVersion is the version of a freshly created entity.
func ZeroVersion() Version {
	return Version{Number: 0}
}

// Next returns the auto-incremented successor of v, stamped now.
func (v Version) Next(now time.Time) Version {
	return Version{Number: v.Number + 1, Timestamp: now}
}

// After reports whether v is strictly newer than other.
func (v Version) After(other Version) bool {
	return v.Number > other.Number
}

// IsZero reports whether v is the initial version.
func (v Version) IsZero() bool {
	return v.Number == 0 && v.Timestamp.IsZero()
}
