// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"cmp"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/DataDog/dd-trace-go/inferredspans/internal/log"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/internal/activation"
)

// run samples every interval until the session is stopped or its duration
// elapses.
func (p *Profiler) run(s *session, duration, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	for {
		select {
		case <-tick.C:
			p.tick()
		case <-deadline.C:
			log.Debug("Session %s reached its duration of %s", p.sessionID, duration)
			p.drain()
			return
		case <-s.exit:
			p.drain()
			return
		}
	}
}

// tick samples the threads, if any operation might be active, and processes
// the events and samples older than the safety margin.
func (p *Profiler) tick() {
	start := time.Now()
	now := p.cfg.clock()
	if !p.samplingOff && (len(p.threads) > 0 || p.events.Len() > 0) {
		if err := p.cfg.enumerator.ForEachThread(&p.visitor); err != nil {
			p.captureFailed(err)
		}
	}
	watermark := now - p.margin.Nanoseconds()
	p.drained = p.events.AppendUpTo(p.drained[:0], watermark)
	p.process(watermark)
	p.reportDropped()
	p.cfg.statsd.Timing(metricTickDuration, time.Since(start), p.cfg.tags, 1)
}

// drain processes everything left in the channel and in the sample queue,
// then abandons the operations which are still active.
func (p *Profiler) drain() {
	p.state.Store(int32(Draining))
	p.drained = p.events.AppendUpTo(p.drained[:0], math.MaxInt64)
	p.process(math.MaxInt64)
	p.reportDropped()
	p.abandon()
	if p.rec != nil {
		if err := p.rec.Close(); err != nil {
			log.Error("Unable to write diagnostic files: %v", err)
		} else {
			events, samples := p.rec.Paths()
			log.Info("Wrote diagnostic files of session %s to %s and %s", p.sessionID, events, samples)
		}
		p.rec = nil
	}
	p.state.Store(int32(Idle))
	log.Debug("Stopped inferred spans session %s", p.sessionID)
}

// process merges the drained events with the pending samples taken up to the
// watermark, in timestamp order. An event and a sample sharing a timestamp
// are processed event first.
func (p *Profiler) process(watermark int64) {
	slices.SortStableFunc(p.drained, func(a, b activation.Event) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	i := 0
	for p.pending.Length() > 0 {
		smp := p.pending.Peek()
		if smp.Timestamp > watermark {
			break
		}
		for ; i < len(p.drained) && p.drained[i].Timestamp <= smp.Timestamp; i++ {
			p.handleEvent(p.drained[i])
		}
		p.pending.Remove()
		p.handleSample(smp)
	}
	for ; i < len(p.drained); i++ {
		p.handleEvent(p.drained[i])
	}
}

func (p *Profiler) handleEvent(ev activation.Event) {
	if p.rec != nil {
		p.rec.RecordEvent(ev)
	}
	ts := p.threads[ev.ThreadID]
	switch ev.Kind {
	case activation.Activate:
		if ts != nil && ev.Context == ts.root.Context() {
			ts.depth++
			return
		}
		if ts != nil && ev.Context.TraceID == ts.root.Context().TraceID {
			ts.root.SetActiveChildContext(ev.Context, ev.Timestamp-ts.root.Start())
			return
		}
		if ts != nil {
			// The deactivation of the previous root was lost.
			log.Debug("Discarding orphaned root operation %s on thread %d", ts.root.Context(), ev.ThreadID)
			p.cfg.statsd.Count(metricRootsAbandoned, 1, p.cfg.tags, 1)
		}
		p.threads[ev.ThreadID] = &threadState{root: p.BeginProfiling(ev.Context, ev.Timestamp), depth: 1}
	case activation.Deactivate:
		if ts == nil {
			log.Debug("Ignoring deactivation of %s on thread %d: no active root operation", ev.Context, ev.ThreadID)
			return
		}
		if ev.Context == ts.root.Context() {
			if ts.depth--; ts.depth > 0 {
				return
			}
			delete(p.threads, ev.ThreadID)
			p.finish(ts.root, ev.Timestamp)
			return
		}
		if active, ok := ts.root.ActiveChildContext(); ok && active == ev.Context {
			ts.root.ClearActiveChildContext(ev.Timestamp - ts.root.Start())
			return
		}
		log.Debug("Ignoring deactivation of %s on thread %d: not the innermost active operation", ev.Context, ev.ThreadID)
	}
}

func (p *Profiler) handleSample(smp StackSample) {
	ts := p.threads[smp.ThreadID]
	if ts == nil {
		return
	}
	offset := smp.Timestamp - ts.root.Start()
	if offset < 0 {
		return
	}
	if p.rec != nil {
		p.rec.RecordSample(smp)
	}
	if err := ts.root.AddStackTrace(smp.Frames, offset); err != nil {
		log.Error("Removing call tree of thread %d: %v", smp.ThreadID, err)
		delete(p.threads, smp.ThreadID)
	}
}

func (p *Profiler) finish(root *calltree.Root, end int64) {
	spans, err := p.EndProfiling(root, end)
	if err != nil {
		log.Error("Unable to infer spans: %v", err)
		return
	}
	if log.DebugEnabled() {
		log.Debug("Inferred %d spans for %s from %d samples:\n%s", len(spans), root.Context(), root.SampleCount(), root)
	}
	if len(spans) > 0 {
		p.emit(root.Context(), spans)
	}
}

// emit hands spans to the sink, which must not take the profiler down.
func (p *Profiler) emit(root calltree.ContextID, spans []calltree.InferredSpan) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Span sink panicked: %v", r)
		}
	}()
	p.cfg.sink.Emit(root, spans)
}

// abandon discards the operations which are still active.
func (p *Profiler) abandon() {
	if n := len(p.threads); n > 0 {
		log.Debug("Abandoning %d root operations still active at the end of session %s", n, p.sessionID)
		p.cfg.statsd.Count(metricRootsAbandoned, int64(n), p.cfg.tags, 1)
	}
	clear(p.threads)
	for p.pending.Length() > 0 {
		p.pending.Remove()
	}
}

func (p *Profiler) reportDropped() {
	n := p.dropped.Swap(0)
	if n == 0 {
		return
	}
	p.cfg.statsd.Count(metricEventsDropped, n, p.cfg.tags, 1)
	if p.dropLog.Allow() {
		log.Debug("Activation event channel full, dropped %d events", n)
	}
}

// captureFailed disables sampling for the rest of the session when stacks
// cannot be captured at all.
func (p *Profiler) captureFailed(err error) {
	if errors.Is(err, ErrCaptureUnavailable) {
		p.samplingOff = true
		log.Warn("Stack sampling disabled for session %s, no spans will be inferred: %v", p.sessionID, err)
		return
	}
	p.cfg.statsd.Count(metricCaptureErrors, 1, p.cfg.tags, 1)
	if log.DebugEnabled() {
		log.Debug("Unable to capture stack: %v", err)
	}
}

// threadVisitor samples the threads accepted by the thread matcher. It is
// allocated once per Profiler.
type threadVisitor struct {
	p *Profiler
}

var _ ThreadVisitor = (*threadVisitor)(nil)

// Test implements ThreadVisitor.
func (v *threadVisitor) Test(t Thread) bool {
	return !v.p.samplingOff && v.p.cfg.threads.Matches(t.Name)
}

// Visit implements ThreadVisitor.
func (v *threadVisitor) Visit(t Thread) {
	p := v.p
	smp, err := p.cfg.capturer.CaptureStack(t.ID)
	if err != nil {
		p.captureFailed(err)
		return
	}
	kept := make([]calltree.Frame, 0, len(smp.Frames))
	for _, f := range smp.Frames {
		if p.cfg.frames.Matches(f.QualifiedName()) {
			kept = append(kept, f)
		}
	}
	smp.Frames = kept
	p.pending.Add(smp)
	p.cfg.statsd.Count(metricSamples, 1, p.cfg.tags, 1)
}
