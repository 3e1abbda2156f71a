// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package activation implements the bounded channel carrying activation and
// deactivation events from application goroutines to the profiler.
package activation

import (
	"math/bits"
	"sync/atomic"

	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
)

// Kind is the kind of an Event.
type Kind uint8

const (
	// Activate is published when a traced operation becomes active on a
	// thread.
	Activate Kind = iota + 1
	// Deactivate is published when it stops being active on that thread.
	Deactivate
)

func (k Kind) String() string {
	switch k {
	case Activate:
		return "activate"
	case Deactivate:
		return "deactivate"
	default:
		return "unknown"
	}
}

// Event is an activation or deactivation of a traced operation on a thread.
type Event struct {
	ThreadID  uint64
	Timestamp int64
	Context   calltree.ContextID
	Kind      Kind
}

// minSize is the smallest capacity for which a slot sequence number can
// tell a free slot from a published one.
const minSize = 2

type slot struct {
	// seq is the position at which the slot can be claimed by a producer
	// when equal to it, and holds a published event when equal to
	// position+1.
	seq atomic.Uint64
	ev  Event
}

// Channel is a bounded multi-producer single-consumer queue of events.
// Publish can be called from any goroutine and never blocks. All other
// methods are reserved to the single consumer.
type Channel struct {
	_    [64]byte
	tail atomic.Uint64 // next position to be claimed by a producer
	_    [56]byte
	head uint64 // first position not yet released by the consumer

	mask  uint64
	slots []slot
}

// New returns a Channel holding at least size events. The capacity is
// rounded up to the next power of two.
func New(size int) *Channel {
	if size < minSize {
		size = minSize
	}
	n := uint64(1) << bits.Len64(uint64(size-1))
	c := &Channel{
		mask:  n - 1,
		slots: make([]slot, n),
	}
	for i := range c.slots {
		c.slots[i].seq.Store(uint64(i))
	}
	return c
}

// Cap returns the capacity of the channel.
func (c *Channel) Cap() int { return len(c.slots) }

// Len returns the number of positions claimed by producers and not yet
// released by the consumer. Claimed events might not be readable yet.
func (c *Channel) Len() int { return int(c.tail.Load() - c.head) }

// Publish adds ev to the channel. It reports false, dropping ev, when the
// channel is full.
func (c *Channel) Publish(ev Event) bool {
	pos := c.tail.Load()
	for {
		s := &c.slots[pos&c.mask]
		seq := s.seq.Load()
		switch diff := int64(seq - pos); {
		case diff == 0:
			if c.tail.CompareAndSwap(pos, pos+1) {
				s.ev = ev
				s.seq.Store(pos + 1)
				return true
			}
			pos = c.tail.Load()
		case diff < 0:
			// the slot still holds an event from the previous lap
			return false
		default:
			// another producer claimed pos
			pos = c.tail.Load()
		}
	}
}

// DrainUpTo removes and returns the events with a timestamp lower than or
// equal to watermark, in the order they were published.
func (c *Channel) DrainUpTo(watermark int64) []Event {
	return c.AppendUpTo(nil, watermark)
}

// AppendUpTo is DrainUpTo, appending the events to dst.
//
// Only the contiguous run of published events following the head is
// considered. Events above the watermark stay in the channel, keeping their
// relative order, and the slots of the removed events are released.
func (c *Channel) AppendUpTo(dst []Event, watermark int64) []Event {
	size := uint64(len(c.slots))
	end := c.head
	for end-c.head < size && c.slots[end&c.mask].seq.Load() == end+1 {
		end++
	}
	taken := 0
	for p := c.head; p < end; p++ {
		if ev := &c.slots[p&c.mask].ev; ev.Timestamp <= watermark {
			dst = append(dst, *ev)
			taken++
		}
	}
	if taken == 0 {
		return dst
	}
	// Move the retained events to the back of the run. Their slots keep
	// their published sequence numbers.
	w := end
	for p := end; p > c.head; {
		p--
		if ev := c.slots[p&c.mask].ev; ev.Timestamp > watermark {
			w--
			c.slots[w&c.mask].ev = ev
		}
	}
	for p := c.head; p < w; p++ {
		s := &c.slots[p&c.mask]
		s.ev = Event{}
		s.seq.Store(p + size)
	}
	c.head = w
	return dst
}
