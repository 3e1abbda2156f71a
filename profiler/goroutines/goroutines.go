// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package goroutines enumerates goroutines and captures their stacks from
// runtime stack dumps. Goroutines play the role of threads: the thread ID of
// a goroutine is its goroutine ID.
package goroutines

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	"github.com/DataDog/gostackparse"

	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/stack"
)

// ErrNotFound is returned by CaptureStack for goroutines which were not part
// of the last snapshot, usually because they exited.
var ErrNotFound = errors.New("goroutine not found")

const (
	initialBufferSize = 64 << 10
	maxBufferSize     = 64 << 20

	// elidedFrame is added as the outermost frame of the goroutines whose
	// stack was truncated by the runtime.
	elidedFrame = "...additional frames elided..."
)

// Sampler takes snapshots of the stacks of all goroutines. ForEachThread
// takes a new snapshot, which is then used by CaptureStack.
//
// A Sampler is not safe for concurrent use.
type Sampler struct {
	now     func() int64
	dump    func(buf []byte) int
	maxSize int

	buf   []byte
	taken int64 // time of the last snapshot
	order []*gostackparse.Goroutine
	byID  map[uint64]*gostackparse.Goroutine
}

// New returns a Sampler timestamping its snapshots with now.
func New(now func() int64) *Sampler {
	return &Sampler{
		now:     now,
		dump:    func(buf []byte) int { return runtime.Stack(buf, true) },
		maxSize: maxBufferSize,
		byID:    make(map[uint64]*gostackparse.Goroutine),
	}
}

// Refresh takes a new snapshot of all goroutines.
func (s *Sampler) Refresh() error {
	if s.buf == nil {
		s.buf = make([]byte, initialBufferSize)
	}
	var n int
	for {
		n = s.dump(s.buf)
		if n < len(s.buf) {
			break
		}
		if len(s.buf) >= s.maxSize {
			return fmt.Errorf("goroutine dump exceeds %d bytes: %w", s.maxSize, stack.ErrUnavailable)
		}
		s.buf = make([]byte, 2*len(s.buf))
	}
	s.taken = s.now()
	goroutines, err := parse(s.buf[:n])
	if err != nil {
		return fmt.Errorf("parsing goroutine dump: %v: %w", err, stack.ErrUnavailable)
	}
	s.order = goroutines
	clear(s.byID)
	for _, g := range goroutines {
		s.byID[uint64(g.ID)] = g
	}
	return nil
}

func parse(dump []byte) (goroutines []*gostackparse.Goroutine, err error) {
	// gostackparse.Parse is not expected to panic, but the process it runs
	// in is not ours to crash.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	goroutines, errs := gostackparse.Parse(bytes.NewReader(dump))
	if len(goroutines) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return goroutines, nil
}

// ForEachThread takes a new snapshot and calls v.Visit for every goroutine
// accepted by v.Test. The name of a goroutine is the function it was started
// with, i.e. its outermost frame.
func (s *Sampler) ForEachThread(v stack.Visitor) error {
	if err := s.Refresh(); err != nil {
		return err
	}
	for _, g := range s.order {
		t := stack.Thread{ID: uint64(g.ID), Name: name(g)}
		if v.Test(t) {
			v.Visit(t)
		}
	}
	return nil
}

func name(g *gostackparse.Goroutine) string {
	if len(g.Stack) == 0 {
		return ""
	}
	return g.Stack[len(g.Stack)-1].Func
}

// CaptureStack returns the stack of the goroutine as of the last snapshot.
// A snapshot is taken if none was taken yet.
func (s *Sampler) CaptureStack(goid uint64) (stack.Sample, error) {
	if s.order == nil {
		if err := s.Refresh(); err != nil {
			return stack.Sample{}, err
		}
	}
	g, ok := s.byID[goid]
	if !ok {
		return stack.Sample{}, fmt.Errorf("goroutine %d: %w", goid, ErrNotFound)
	}
	frames := make([]calltree.Frame, 0, len(g.Stack)+1)
	for _, f := range g.Stack {
		frames = append(frames, calltree.ParseFrame(f.Func))
	}
	if g.FramesElided {
		frames = append(frames, calltree.Frame{Method: elidedFrame})
	}
	return stack.Sample{
		ThreadID:  goid,
		Timestamp: s.taken,
		Frames:    frames,
	}, nil
}

var goroutinePrefix = []byte("goroutine ")

// CurrentID returns the ID of the calling goroutine, or 0 if it cannot be
// determined.
func CurrentID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b, ok := bytes.CutPrefix(b, goroutinePrefix)
	if !ok {
		return 0
	}
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
