// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

const (
	metricEventsDropped  = "datadog.inferred_spans.events.dropped"
	metricSamples        = "datadog.inferred_spans.samples"
	metricSpansCreated   = "datadog.inferred_spans.spans.created"
	metricSpansTruncated = "datadog.inferred_spans.spans.truncated"
	metricRootsAbandoned = "datadog.inferred_spans.roots.abandoned"
	metricCaptureErrors  = "datadog.inferred_spans.capture.errors"
	metricTickDuration   = "datadog.inferred_spans.tick.duration"
)
