// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package stack defines the types exchanged between the profiler and the
// facilities which enumerate threads and capture their stacks.
package stack

import (
	"errors"

	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
)

// ErrUnavailable is returned, possibly wrapped, by a Capturer which cannot
// capture stacks at all in this process. The profiler stops sampling for
// the rest of the session when it sees it.
var ErrUnavailable = errors.New("stack capture unavailable")

// Sample is a stack captured on one thread.
type Sample struct {
	ThreadID uint64
	// Timestamp is the capture time, in nanoseconds, on the profiler clock.
	Timestamp int64
	// Frames are ordered innermost first.
	Frames []calltree.Frame
}

// Thread describes a live thread.
type Thread struct {
	ID   uint64
	Name string
}

// Visitor is called for every live thread by an Enumerator. Visit is only
// called for threads accepted by Test.
type Visitor interface {
	Test(Thread) bool
	Visit(Thread)
}

// Enumerator iterates over the live threads of the process. An error
// wrapping ErrUnavailable means threads cannot be enumerated at all.
type Enumerator interface {
	ForEachThread(v Visitor) error
}

// Capturer captures the current stack of a thread. The profiler copies the
// frames it keeps, so a Capturer may reuse the Frames of the samples it
// returned once CaptureStack is called again.
type Capturer interface {
	CaptureStack(threadID uint64) (Sample, error)
}
