package delivery

// Stats summarizes one delivered page.
type Stats struct {
	Shard       ShardIndex
	Delivered   int
	Ignored     int
	Failed      int
	Interrupted int
}

// Total counts the messages the page touched.
func (s Stats) Total() int {
	return s.Delivered + s.Ignored + s.Failed + s.Interrupted
}

// Monitor observes delivery progress. Implementations must be fast and must
// not block; they run inside the shard session.
type Monitor interface {
	// OnPageDelivered is called after each processed page.
	OnPageDelivered(stats Stats)
}

// NoOpMonitor ignores all notifications.
type NoOpMonitor struct{}

// OnPageDelivered implements Monitor.
func (NoOpMonitor) OnPageDelivered(Stats) {}

// MonitorFunc adapts a function to the Monitor interface.
type MonitorFunc func(stats Stats)

// OnPageDelivered implements Monitor.
func (f MonitorFunc) OnPageDelivered(stats Stats) { f(stats) }
