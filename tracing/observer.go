package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/strand/bus"
	"github.com/zjrosen/strand/delivery"
	"github.com/zjrosen/strand/signal"
)

// TraceParentKey is the enrichment key carrying the W3C traceparent of the
// signal's origin. Signals crossing process or storage boundaries keep their
// trace through it.
const TraceParentKey = "traceparent"

// Inject returns the context with the span's traceparent enrichment set.
// Invalid span contexts leave it unchanged.
func Inject(sc trace.SpanContext, c signal.Context) signal.Context {
	if !sc.IsValid() {
		return c
	}
	parent := fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
	return c.WithEnrichment(TraceParentKey, parent)
}

// Extract reads the traceparent enrichment back into a remote span context.
func Extract(c signal.Context) (trace.SpanContext, bool) {
	raw, ok := c.Enrichments[TraceParentKey].(string)
	if !ok {
		return trace.SpanContext{}, false
	}
	var version, flags string
	var traceID, spanID string
	if _, err := fmt.Sscanf(raw, "%2s-%32s-%16s-%2s", &version, &traceID, &spanID, &flags); err != nil {
		return trace.SpanContext{}, false
	}
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

// PostObserver records one span per posted signal. Register it on a bus
// through bus.WithObservers.
type PostObserver struct {
	tracer trace.Tracer
	name   string
}

var _ bus.Observer = (*PostObserver)(nil)

// NewPostObserver creates the observer for the named bus.
func NewPostObserver(tracer trace.Tracer, busName string) *PostObserver {
	return &PostObserver{tracer: tracer, name: busName}
}

// OnPosted implements bus.Observer.
func (o *PostObserver) OnPosted(env signal.Envelope, ack bus.Ack) {
	ctx := context.Background()
	if parent, ok := Extract(env.Signal.Context); ok {
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	}
	_, span := o.tracer.Start(ctx, SpanPrefixPost+env.MessageClass(),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String(AttrSignalID, env.ID()),
		attribute.String(AttrSignalClass, env.MessageClass()),
		attribute.String(AttrSignalKind, env.Signal.Kind.String()),
		attribute.String(AttrBusName, o.name),
		attribute.String(AttrAckStatus, ack.Status.String()),
	)
	switch ack.Status {
	case bus.StatusError:
		span.RecordError(ack.Err)
		span.SetStatus(codes.Error, ack.Err.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
}

// PageMonitor records one span per delivered page. Plug it into the
// delivery config as the Monitor.
type PageMonitor struct {
	tracer trace.Tracer
	next   delivery.Monitor
}

var _ delivery.Monitor = (*PageMonitor)(nil)

// NewPageMonitor creates the monitor, chaining to next (may be nil).
func NewPageMonitor(tracer trace.Tracer, next delivery.Monitor) *PageMonitor {
	return &PageMonitor{tracer: tracer, next: next}
}

// OnPageDelivered implements delivery.Monitor.
func (m *PageMonitor) OnPageDelivered(stats delivery.Stats) {
	_, span := m.tracer.Start(context.Background(), SpanPage,
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	span.SetAttributes(
		attribute.Int(AttrShardIndex, int(stats.Shard.Index)),
		attribute.Int(AttrShardTotal, int(stats.Shard.OfTotal)),
		attribute.Int(AttrDelivered, stats.Delivered),
		attribute.Int(AttrIgnored, stats.Ignored),
		attribute.Int(AttrFailed, stats.Failed),
		attribute.Int(AttrInterrupted, stats.Interrupted),
	)
	if stats.Failed > 0 {
		span.SetStatus(codes.Error, "page contained failed deliveries")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if m.next != nil {
		m.next.OnPageDelivered(stats)
	}
}
