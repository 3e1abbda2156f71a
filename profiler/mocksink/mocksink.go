// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package mocksink provides a span sink which records inferred spans in
// memory, for testing code using the profiler.
package mocksink

import (
	"sync"

	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
)

// Batch holds the spans inferred for one root operation.
type Batch struct {
	Root  calltree.ContextID
	Spans []calltree.InferredSpan
}

// Sink records the batches it receives. It is safe for concurrent use.
type Sink struct {
	mu      sync.RWMutex // guards below fields
	batches []Batch
	notify  chan struct{}
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{notify: make(chan struct{}, 1)}
}

// Emit implements profiler.SpanSink.
func (s *Sink) Emit(root calltree.ContextID, spans []calltree.InferredSpan) {
	s.mu.Lock()
	s.batches = append(s.batches, Batch{Root: root, Spans: spans})
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Batches returns the batches received so far.
func (s *Sink) Batches() []Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// Spans returns the spans of all the batches received so far.
func (s *Sink) Spans() []calltree.InferredSpan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []calltree.InferredSpan
	for _, b := range s.batches {
		out = append(out, b.Spans...)
	}
	return out
}

// Emitted returns a channel receiving a value after each batch. Bursts of
// batches may be signaled once.
func (s *Sink) Emitted() <-chan struct{} { return s.notify }

// Reset forgets the batches received so far.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = nil
}
