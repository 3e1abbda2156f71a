// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package activation

import (
	"math"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(thread uint64, ts int64) Event {
	return Event{ThreadID: thread, Timestamp: ts, Kind: Activate}
}

func timestamps(evs []Event) []int64 {
	out := make([]int64, len(evs))
	for i, ev := range evs {
		out[i] = ev.Timestamp
	}
	return out
}

func TestNew(t *testing.T) {
	for in, want := range map[int]int{-1: 2, 0: 2, 1: 2, 2: 2, 3: 4, 4: 4, 1000: 1024, 4096: 4096} {
		assert.Equal(t, want, New(in).Cap(), "size %d", in)
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "activate", Activate.String())
	assert.Equal(t, "deactivate", Deactivate.String())
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestDrainUpTo(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		c := New(8)
		for ts := int64(1); ts <= 5; ts++ {
			require.True(t, c.Publish(event(1, ts)))
		}
		assert.Equal(t, []int64{1, 2, 3}, timestamps(c.DrainUpTo(3)))
		assert.Empty(t, c.DrainUpTo(3))
		assert.Equal(t, 2, c.Len())
		assert.Equal(t, []int64{4, 5}, timestamps(c.DrainUpTo(math.MaxInt64)))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("out-of-order", func(t *testing.T) {
		c := New(8)
		for _, ts := range []int64{5, 1, 7, 2, 6} {
			require.True(t, c.Publish(event(1, ts)))
		}
		assert.Equal(t, []int64{5, 1, 2}, timestamps(c.DrainUpTo(5)))
		assert.Equal(t, 2, c.Len())
		assert.Equal(t, []int64{7, 6}, timestamps(c.DrainUpTo(10)))
	})

	t.Run("retained-keep-order", func(t *testing.T) {
		c := New(4)
		for _, ts := range []int64{9, 1, 8, 2} {
			require.True(t, c.Publish(event(1, ts)))
		}
		assert.Equal(t, []int64{1, 2}, timestamps(c.DrainUpTo(2)))
		require.True(t, c.Publish(event(1, 3)))
		require.True(t, c.Publish(event(1, 4)))
		assert.False(t, c.Publish(event(1, 5)))
		assert.Equal(t, []int64{9, 8, 3, 4}, timestamps(c.DrainUpTo(10)))
	})

	t.Run("append", func(t *testing.T) {
		c := New(4)
		require.True(t, c.Publish(event(1, 1)))
		dst := []Event{event(2, 0)}
		dst = c.AppendUpTo(dst, 1)
		assert.Equal(t, []int64{0, 1}, timestamps(dst))
	})
}

func TestOverflow(t *testing.T) {
	c := New(4)
	n := c.Cap()
	for i := 0; i < n; i++ {
		require.True(t, c.Publish(event(1, int64(i))))
	}
	assert.False(t, c.Publish(event(1, int64(n))))

	require.Len(t, c.DrainUpTo(0), 1)
	assert.True(t, c.Publish(event(1, int64(n))))
	assert.False(t, c.Publish(event(1, int64(n+1))))

	// wrap around a few laps
	for lap := 0; lap < 3; lap++ {
		require.Len(t, c.DrainUpTo(math.MaxInt64), n)
		for i := 0; i < n; i++ {
			require.True(t, c.Publish(event(1, int64(i))))
		}
	}
}

func TestConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perThread = 2000
	)
	c := New(256)
	var wg sync.WaitGroup
	for p := 1; p <= producers; p++ {
		wg.Add(1)
		go func(thread uint64) {
			defer wg.Done()
			for i := int64(0); i < perThread; i++ {
				for !c.Publish(event(thread, i)) {
					runtime.Gosched()
				}
			}
		}(uint64(p))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	next := make(map[uint64]int64)
	var got []Event
	consume := func() {
		got = c.AppendUpTo(got[:0], math.MaxInt64)
		for _, ev := range got {
			require.Equal(t, next[ev.ThreadID], ev.Timestamp, "thread %d", ev.ThreadID)
			next[ev.ThreadID]++
		}
	}
	for {
		select {
		case <-done:
			consume()
			for p := 1; p <= producers; p++ {
				assert.EqualValues(t, perThread, next[uint64(p)])
			}
			assert.Equal(t, 0, c.Len())
			return
		default:
			consume()
			runtime.Gosched()
		}
	}
}

func BenchmarkPublish(b *testing.B) {
	c := New(1 << 12)
	var drained []Event
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if !c.Publish(event(1, int64(i))) {
			drained = c.AppendUpTo(drained[:0], math.MaxInt64)
			c.Publish(event(1, int64(i)))
		}
	}
}
