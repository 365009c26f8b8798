package tracing

// Span attribute keys. These are the semantic conventions of signal
// dispatch spans.
const (
	AttrSignalID    = "signal.id"
	AttrSignalClass = "signal.class"
	AttrSignalKind  = "signal.kind"
	AttrBusName     = "bus.name"
	AttrAckStatus   = "ack.status"

	AttrEntityType = "entity.type"
	AttrEntityID   = "entity.id"

	AttrShardIndex  = "shard.index"
	AttrShardTotal  = "shard.of_total"
	AttrDelivered   = "page.delivered"
	AttrIgnored     = "page.ignored"
	AttrFailed      = "page.failed"
	AttrInterrupted = "page.interrupted"
)

// Span name prefixes.
const (
	SpanPrefixPost = "bus.post."
	SpanPage       = "delivery.page"
)
