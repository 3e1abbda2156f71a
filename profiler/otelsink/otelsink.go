// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package otelsink sends inferred spans to an OpenTelemetry tracer.
package otelsink

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DataDog/dd-trace-go/inferredspans/internal/version"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
)

// TracerName is the name of the tracer inferred spans are started with.
const TracerName = "github.com/DataDog/dd-trace-go/inferredspans"

// Attributes set on every inferred span.
var (
	KeySubtype         = attribute.Key("span.subtype")
	KeyCollapsedFrames = attribute.Key("code.stacktrace.collapsed")
	// KeyLinkKind is set on the links to real child operations.
	KeyLinkKind = attribute.Key("link.kind")
)

// Sink starts and ends one OpenTelemetry span per inferred span, with the
// timestamps of the inferred span.
type Sink struct {
	tracer trace.Tracer
}

// New returns a Sink using a tracer of tp.
func New(tp trace.TracerProvider) *Sink {
	return &Sink{
		tracer: tp.Tracer(TracerName, trace.WithInstrumentationVersion(version.Tag)),
	}
}

// Emit implements profiler.SpanSink. Spans are parented to the span of their
// enclosing inferred span, or to their real parent operation, which is
// referenced as a remote span context. The real operations which ran within
// an inferred span are attached to it as links, since they were started
// before it and cannot be re-parented.
func (s *Sink) Emit(_ calltree.ContextID, spans []calltree.InferredSpan) {
	started := make([]trace.Span, len(spans))
	for i, is := range spans {
		ctx := context.Background()
		if is.ParentIndex >= 0 && is.ParentIndex < i {
			ctx = trace.ContextWithSpan(ctx, started[is.ParentIndex])
		} else {
			ctx = trace.ContextWithRemoteSpanContext(ctx, spanContext(is.Parent))
		}
		attrs := []attribute.KeyValue{KeySubtype.String("inferred")}
		if len(is.CollapsedFrames) > 0 {
			attrs = append(attrs, KeyCollapsedFrames.StringSlice(is.CollapsedFrames))
		}
		opts := []trace.SpanStartOption{
			trace.WithTimestamp(time.Unix(0, is.Start)),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attrs...),
		}
		for _, id := range is.ChildIDs {
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: spanContext(id),
				Attributes:  []attribute.KeyValue{KeyLinkKind.String("child")},
			}))
		}
		_, started[i] = s.tracer.Start(ctx, is.Name, opts...)
	}
	for i := len(spans) - 1; i >= 0; i-- {
		started[i].End(trace.WithTimestamp(time.Unix(0, spans[i].End())))
	}
}

func spanContext(c calltree.ContextID) trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID(c.TraceID),
		SpanID:     trace.SpanID(c.SpanID),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}
