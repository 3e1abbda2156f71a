// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package calltree

import (
	"slices"
	"time"
)

// InferredSpan is a span derived from a node of the call tree.
type InferredSpan struct {
	// Name is the short name of the frame of the node, see Frame.Name.
	Name string
	// Start is the absolute start timestamp, in nanoseconds.
	Start int64
	// Duration is the time between the first and the last sample which
	// went through the node, in nanoseconds.
	Duration int64
	// CollapsedFrames lists the names of the frames which were folded into
	// this span, innermost first. It is nil when nothing was folded.
	CollapsedFrames []string
	// Parent is the nearest real traced operation enclosing the span.
	Parent ContextID
	// ParentIndex is the index of the enclosing inferred span in the slice
	// returned by Spanify, or -1 when the span hangs directly off Parent.
	ParentIndex int
	// ChildIDs lists the real traced operations which ran within the span.
	ChildIDs []ContextID
}

// End returns Start plus Duration.
func (s InferredSpan) End() int64 { return s.Start + s.Duration }

// SpanifyOptions configures Spanify.
type SpanifyOptions struct {
	// MinDuration drops nodes, along with their descendants, which were
	// seen for less than this duration.
	MinDuration time.Duration
	// MaxSpans caps the number of spans returned. Zero means no limit.
	MaxSpans int
	// SelfTime makes a node whose only child was sampled fewer times than
	// itself yield a span of its own.
	SelfTime bool
}

// Spanify converts the tree into inferred spans, in depth-first pre-order.
// Each child of the implicit root node yields a span. Below them, a node
// yields a span when it is a leaf, has more than one child or was marked
// with a nested operation. The remaining nodes are folded into the span of
// their nearest descendant that yields one, and their child operations go
// to the span enclosing them.
//
// Spanify can only be called once, after End.
func (r *Root) Spanify(opts SpanifyOptions) ([]InferredSpan, error) {
	if !r.ended {
		return nil, ErrNotEnded
	}
	if r.spanified {
		return nil, ErrAlreadySpanified
	}
	r.spanified = true
	s := spanifier{r: r, opts: opts, min: opts.MinDuration.Nanoseconds()}
	for _, c := range r.nodes[0].children {
		if s.keep(c) {
			s.walk(c, noNode, r.ctx, nil)
		}
	}
	r.truncated = s.truncated
	return s.spans, nil
}

type spanifier struct {
	r         *Root
	opts      SpanifyOptions
	min       int64
	spans     []InferredSpan
	truncated int
}

func (s *spanifier) keep(idx int32) bool {
	n := &s.r.nodes[idx]
	return n.lastSeen-n.firstSeen >= s.min
}

// onlyChild returns the single kept child of idx, or noNode when idx has
// zero or several kept children.
func (s *spanifier) onlyChild(idx int32) int32 {
	only := int32(noNode)
	for _, c := range s.r.nodes[idx].children {
		if !s.keep(c) {
			continue
		}
		if only != noNode {
			return noNode
		}
		only = c
	}
	return only
}

func (s *spanifier) boundary(idx int32) bool {
	n := &s.r.nodes[idx]
	if n.parent == 0 || n.hasActive {
		return true
	}
	only := s.onlyChild(idx)
	if only == noNode {
		// leaf or fork
		return true
	}
	return s.opts.SelfTime && s.r.nodes[only].hits < n.hits
}

// adopt gives the child operations of the subtree of idx to the span at
// index span.
func (s *spanifier) adopt(span int32, idx int32) {
	if span == noNode {
		return
	}
	n := &s.r.nodes[idx]
	s.spans[span].ChildIDs = append(s.spans[span].ChildIDs, n.childIDs...)
	for _, c := range n.children {
		s.adopt(span, c)
	}
}

// walk visits idx, whose nearest enclosing span is at index parentSpan and
// whose nearest enclosing real operation is parentCtx. collapsed holds the
// frames folded so far on the way down, outermost first.
func (s *spanifier) walk(idx int32, parentSpan int32, parentCtx ContextID, collapsed []string) {
	n := &s.r.nodes[idx]
	if n.hasActive {
		parentCtx = n.active
		parentSpan = noNode
	}
	if !s.boundary(idx) {
		if parentSpan != noNode {
			s.spans[parentSpan].ChildIDs = append(s.spans[parentSpan].ChildIDs, n.childIDs...)
		}
		for _, c := range n.children {
			if !s.keep(c) {
				s.adopt(parentSpan, c)
			}
		}
		s.walk(s.onlyChild(idx), parentSpan, parentCtx, append(collapsed, n.frame.Name()))
		return
	}
	if s.opts.MaxSpans > 0 && len(s.spans) >= s.opts.MaxSpans {
		s.truncated++
		s.adopt(parentSpan, idx)
		return
	}
	span := InferredSpan{
		Name:        n.frame.Name(),
		Start:       s.r.start + n.firstSeen,
		Duration:    n.lastSeen - n.firstSeen,
		Parent:      parentCtx,
		ParentIndex: int(parentSpan),
		ChildIDs:    slices.Clone(n.childIDs),
	}
	if len(collapsed) > 0 {
		span.CollapsedFrames = make([]string, len(collapsed))
		for i, name := range collapsed {
			span.CollapsedFrames[len(collapsed)-1-i] = name
		}
	}
	s.spans = append(s.spans, span)
	self := int32(len(s.spans) - 1)
	for _, c := range n.children {
		if s.keep(c) {
			s.walk(c, self, parentCtx, nil)
		} else {
			s.adopt(self, c)
		}
	}
}
