// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package calltree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	frames []Frame
	offset time.Duration
}

func buildRoot(t *testing.T, ctx ContextID, end time.Duration, samples ...sample) *Root {
	t.Helper()
	r := NewRoot(ctx, 0)
	for _, s := range samples {
		require.NoError(t, r.AddStackTrace(s.frames, s.offset.Nanoseconds()))
	}
	require.NoError(t, r.End(end.Nanoseconds()))
	return r
}

func spanNames(spans []InferredSpan) []string {
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	return names
}

func TestSpanifyErrors(t *testing.T) {
	r := NewRoot(ctxID(1, 1), 0)
	require.NoError(t, r.AddStackTrace(stack("a"), 0))
	_, err := r.Spanify(SpanifyOptions{})
	assert.ErrorIs(t, err, ErrNotEnded)

	require.NoError(t, r.End(10))
	spans, err := r.Spanify(SpanifyOptions{})
	require.NoError(t, err)
	assert.Len(t, spans, 1)
	_, err = r.Spanify(SpanifyOptions{})
	assert.ErrorIs(t, err, ErrAlreadySpanified)
}

func TestSpanify(t *testing.T) {
	root := ctxID(1, 1)

	t.Run("empty", func(t *testing.T) {
		r := buildRoot(t, root, 10*time.Millisecond)
		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		assert.Empty(t, spans)
	})

	t.Run("collapse", func(t *testing.T) {
		r := buildRoot(t, root, 30*time.Millisecond,
			sample{stack("c", "b", "a"), 0},
			sample{stack("c", "b", "a"), 10 * time.Millisecond},
			sample{stack("c", "b", "a"), 20 * time.Millisecond},
		)
		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "c"}, spanNames(spans))
		assert.Nil(t, spans[0].CollapsedFrames)
		assert.Equal(t, []string{"b"}, spans[1].CollapsedFrames)
		assert.Equal(t, -1, spans[0].ParentIndex)
		assert.Equal(t, 0, spans[1].ParentIndex)
		assert.Equal(t, root, spans[1].Parent)
	})

	t.Run("collapse-order", func(t *testing.T) {
		r := buildRoot(t, root, 30*time.Millisecond,
			sample{stack("e", "d", "c", "b", "a"), 0},
			sample{stack("e", "d", "c", "b", "a"), 10 * time.Millisecond},
		)
		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "e"}, spanNames(spans))
		assert.Equal(t, []string{"d", "c", "b"}, spans[1].CollapsedFrames)
	})

	t.Run("self-time", func(t *testing.T) {
		samples := []sample{
			{stack("c", "b", "a"), 0},
			{stack("c", "b", "a"), 10 * time.Millisecond},
			{stack("b", "a"), 20 * time.Millisecond},
		}

		r := buildRoot(t, root, 30*time.Millisecond, samples...)
		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "c"}, spanNames(spans))
		assert.Equal(t, []string{"b"}, spans[1].CollapsedFrames)

		r = buildRoot(t, root, 30*time.Millisecond, samples...)
		spans, err = r.Spanify(SpanifyOptions{SelfTime: true})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, spanNames(spans))
		assert.Equal(t, []int{-1, 0, 1}, []int{spans[0].ParentIndex, spans[1].ParentIndex, spans[2].ParentIndex})
		assert.Nil(t, spans[2].CollapsedFrames)
	})

	t.Run("fork", func(t *testing.T) {
		r := buildRoot(t, root, 30*time.Millisecond,
			sample{stack("b", "a"), 0},
			sample{stack("c", "a"), 10 * time.Millisecond},
			sample{stack("b", "a"), 20 * time.Millisecond},
		)
		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "b"}, spanNames(spans))
		for _, s := range spans[1:] {
			assert.Equal(t, 0, s.ParentIndex)
		}
		assert.EqualValues(t, 20*time.Millisecond, spans[3].Start)
	})

	t.Run("timing", func(t *testing.T) {
		r := NewRoot(root, int64(time.Second))
		require.NoError(t, r.AddStackTrace(stack("b", "a"), int64(10*time.Millisecond)))
		require.NoError(t, r.AddStackTrace(stack("a"), int64(20*time.Millisecond)))
		require.NoError(t, r.End(int64(30*time.Millisecond)))
		assert.Equal(t, 2, r.SampleCount())

		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, spanNames(spans))
		a, b := spans[0], spans[1]
		assert.EqualValues(t, time.Second+10*time.Millisecond, a.Start)
		assert.EqualValues(t, 10*time.Millisecond, a.Duration)
		assert.EqualValues(t, time.Second+20*time.Millisecond, a.End())
		assert.EqualValues(t, time.Second+10*time.Millisecond, b.Start)
		assert.EqualValues(t, 0, b.Duration)
		assert.Equal(t, 0, b.ParentIndex)
	})

	t.Run("nested-operation", func(t *testing.T) {
		x := ctxID(1, 2)
		r := NewRoot(root, 0)
		require.NoError(t, r.AddStackTrace(stack("b", "a"), 0))
		r.SetActiveChildContext(x, 5)
		require.NoError(t, r.AddStackTrace(stack("d", "c", "b", "a"), 10))
		require.NoError(t, r.AddStackTrace(stack("d", "c", "b", "a"), 20))
		r.ClearActiveChildContext(25)
		require.NoError(t, r.End(30))

		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "c", "d"}, spanNames(spans))
		a, c, d := spans[0], spans[1], spans[2]
		assert.Equal(t, root, a.Parent)
		// x started from b, which is folded into c
		assert.Equal(t, []ContextID{x}, a.ChildIDs)
		assert.EqualValues(t, 25, a.Duration)
		assert.Equal(t, x, c.Parent)
		assert.Equal(t, -1, c.ParentIndex)
		assert.Equal(t, []string{"b"}, c.CollapsedFrames)
		assert.Empty(t, c.ChildIDs)
		assert.Equal(t, x, d.Parent)
		assert.Equal(t, 1, d.ParentIndex)
	})

	t.Run("child-operation", func(t *testing.T) {
		x := ctxID(1, 2)
		r := NewRoot(root, 0)
		require.NoError(t, r.AddStackTrace(stack("b", "a"), 0))
		require.NoError(t, r.AddStackTrace(stack("c", "a"), 10))
		r.SetActiveChildContext(x, 15)
		r.ClearActiveChildContext(18)
		require.NoError(t, r.AddStackTrace(stack("c", "a"), 20))
		require.NoError(t, r.End(30))

		spans, err := r.Spanify(SpanifyOptions{})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, spanNames(spans))
		assert.Empty(t, spans[0].ChildIDs)
		assert.Equal(t, []ContextID{x}, spans[2].ChildIDs)
	})

	t.Run("child-operation-of-dropped-node", func(t *testing.T) {
		x := ctxID(1, 2)
		r := NewRoot(root, 0)
		require.NoError(t, r.AddStackTrace(stack("b", "a"), 0))
		r.SetActiveChildContext(x, 1)
		r.ClearActiveChildContext(2)
		require.NoError(t, r.AddStackTrace(stack("b", "a"), 3))
		require.NoError(t, r.AddStackTrace(stack("c", "a"), 10*time.Millisecond.Nanoseconds()))
		require.NoError(t, r.AddStackTrace(stack("c", "a"), 20*time.Millisecond.Nanoseconds()))
		require.NoError(t, r.End(30*time.Millisecond.Nanoseconds()))

		spans, err := r.Spanify(SpanifyOptions{MinDuration: 5 * time.Millisecond})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "c"}, spanNames(spans))
		assert.Equal(t, []ContextID{x}, spans[0].ChildIDs)
	})

	t.Run("deactivation-before-end", func(t *testing.T) {
		x := ctxID(1, 2)
		r := NewRoot(root, 0)
		require.NoError(t, r.AddStackTrace(stack("a"), 1))
		r.SetActiveChildContext(x, 2)
		require.NoError(t, r.AddStackTrace(stack("d", "c", "b", "a"), 3))
		require.NoError(t, r.AddStackTrace(stack("d", "c", "b", "a"), 4))
		require.NoError(t, r.AddStackTrace(stack("c", "b", "a"), 5))
		require.NoError(t, r.AddStackTrace(stack("c", "b", "a"), 6))
		r.ClearActiveChildContext(7)
		require.NoError(t, r.AddStackTrace(stack("c", "b", "a"), 8))
		require.NoError(t, r.AddStackTrace(stack("b", "a"), 9))
		require.NoError(t, r.End(10))

		spans, err := r.Spanify(SpanifyOptions{SelfTime: true})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c", "d"}, spanNames(spans))
		a, b, c, d := spans[0], spans[1], spans[2], spans[3]
		assert.EqualValues(t, 8, a.Duration)
		assert.EqualValues(t, 2, b.Start)
		assert.EqualValues(t, 7, b.Duration)
		assert.EqualValues(t, 6, c.Duration)
		assert.Equal(t, []ContextID{x}, c.ChildIDs)
		assert.Equal(t, 1, c.ParentIndex)
		assert.Equal(t, x, d.Parent)
		assert.Equal(t, -1, d.ParentIndex)
		assert.EqualValues(t, 1, d.Duration)
	})

	t.Run("min-duration", func(t *testing.T) {
		r := buildRoot(t, root, 30*time.Millisecond,
			sample{stack("b", "a"), 0},
			sample{stack("c", "a"), 10 * time.Millisecond},
			sample{stack("c", "a"), 20 * time.Millisecond},
		)
		spans, err := r.Spanify(SpanifyOptions{MinDuration: 5 * time.Millisecond})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c"}, spanNames(spans))
	})

	t.Run("min-duration-root-child", func(t *testing.T) {
		r := buildRoot(t, root, 30*time.Millisecond,
			sample{stack("b", "a"), 0},
			sample{stack("b", "a"), time.Millisecond},
		)
		spans, err := r.Spanify(SpanifyOptions{MinDuration: 5 * time.Millisecond})
		require.NoError(t, err)
		assert.Empty(t, spans)
	})

	t.Run("max-spans", func(t *testing.T) {
		r := buildRoot(t, root, 30*time.Millisecond,
			sample{stack("b", "a"), 0},
			sample{stack("c", "a"), 10 * time.Millisecond},
			sample{stack("d", "a"), 20 * time.Millisecond},
		)
		spans, err := r.Spanify(SpanifyOptions{MaxSpans: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, spanNames(spans))
		assert.Equal(t, 2, r.Truncated())
	})
}

func TestSpanifyDeterminism(t *testing.T) {
	x := ctxID(1, 2)
	build := func() *Root {
		r := NewRoot(ctxID(1, 1), 500)
		require.NoError(t, r.AddStackTrace(stack("c", "b", "a"), 0))
		r.SetActiveChildContext(x, 5)
		require.NoError(t, r.AddStackTrace(stack("e", "d", "b", "a"), 10))
		require.NoError(t, r.AddStackTrace(stack("e", "d", "b", "a"), 20))
		r.ClearActiveChildContext(25)
		require.NoError(t, r.AddStackTrace(stack("f", "a"), 30))
		require.NoError(t, r.End(40))
		return r
	}
	first, err := build().Spanify(SpanifyOptions{})
	require.NoError(t, err)
	second, err := build().Spanify(SpanifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}
