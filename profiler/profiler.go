// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package profiler infers spans from stack samples taken while traced
// operations are active.
//
// Application goroutines report which traced operation is active on them
// with OnActivation and OnDeactivation. While a session runs, a background
// goroutine periodically samples the stacks of the goroutines, aggregates
// the samples taken while an operation was active into a call tree, and
// turns the tree into inferred spans once the operation ends.
package profiler

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/DataDog/dd-trace-go/inferredspans/internal/log"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/goroutines"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/internal/activation"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/internal/diag"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/stack"
)

var (
	// ErrCaptureUnavailable is returned, possibly wrapped, by stack capture
	// facilities which cannot work in this process.
	ErrCaptureUnavailable = stack.ErrUnavailable

	// ErrAlreadyRunning is returned when starting a session while another
	// one runs.
	ErrAlreadyRunning = errors.New("profiler: a session is already running")

	// ErrAlreadyScheduled is returned by Schedule when sessions are already
	// scheduled.
	ErrAlreadyScheduled = errors.New("profiler: sessions are already scheduled")
)

type (
	// StackSample is a stack captured on one thread.
	StackSample = stack.Sample
	// Thread describes a live thread.
	Thread = stack.Thread
	// ThreadVisitor is called for every live thread by a ThreadEnumerator.
	ThreadVisitor = stack.Visitor
	// ThreadEnumerator iterates over the live threads.
	ThreadEnumerator = stack.Enumerator
	// StackCapturer captures the stack of a thread.
	StackCapturer = stack.Capturer
)

// Matcher filters thread and frame names.
type Matcher interface {
	Matches(name string) bool
}

// SpanSink receives the spans inferred for a root operation. Emit is called
// from the profiler goroutine.
type SpanSink interface {
	Emit(root calltree.ContextID, spans []calltree.InferredSpan)
}

// StatsdClient implementations can count and time events.
type StatsdClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Gauge(name string, value float64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
}

// State is the state of the sampling session of a Profiler.
type State int32

const (
	// Idle means no session is running. Activations are rejected.
	Idle State = iota
	// Sampling means a session runs and accepts activations.
	Sampling
	// Draining means the session stops. Buffered events are processed but
	// new activations are rejected.
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var epoch = time.Now()

// Nanotime returns the current Unix time in nanoseconds, measured with the
// monotonic clock. It is the default profiler clock, which activation events
// must be timestamped with.
func Nanotime() int64 {
	return epoch.UnixNano() + int64(time.Since(epoch))
}

// CurrentThreadID returns the thread ID of the calling goroutine, as used by
// the default stack capture.
func CurrentThreadID() uint64 { return goroutines.CurrentID() }

// Profiler correlates traced operations with stack samples. The zero value
// is not usable, see New.
type Profiler struct {
	cfg    *config
	events *activation.Channel
	state  atomic.Int32
	// dropped counts the events lost to a full channel since the last tick.
	dropped atomic.Int64

	mu    sync.Mutex // guards sess and sched
	sess  *session
	sched *scheduler

	// The fields below are owned by the session goroutine, or by the caller
	// of Replay.
	sessionID   string
	margin      time.Duration
	rec         *diag.Recorder
	visitor     threadVisitor
	threads     map[uint64]*threadState
	pending     *queue.Queue[StackSample]
	drained     []activation.Event
	samplingOff bool
	dropLog     *rate.Limiter
}

// threadState is the root operation active on a thread.
type threadState struct {
	root *calltree.Root
	// depth counts the nested activations of the root context itself.
	depth int
}

type session struct {
	exit     chan struct{} // closed to stop the session
	done     chan struct{} // closed once the session goroutine returned
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// stop stops the session and waits for its goroutine to exit.
func (s *session) stop() {
	s.stopOnce.Do(func() { close(s.exit) })
	s.wg.Wait()
}

// New returns an idle Profiler.
func New(opts ...Option) (*Profiler, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.capturer == nil || cfg.enumerator == nil {
		g := goroutines.New(cfg.clock)
		if cfg.capturer == nil {
			cfg.capturer = g
		}
		if cfg.enumerator == nil {
			cfg.enumerator = g
		}
	}
	p := &Profiler{
		cfg:     cfg,
		events:  activation.New(cfg.bufferSize),
		threads: make(map[uint64]*threadState),
		pending: queue.New[StackSample](),
		dropLog: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	p.visitor.p = p
	return p, nil
}

// State returns the current state of the sampling session.
func (p *Profiler) State() State { return State(p.state.Load()) }

// Start starts a sampling session lasting at most duration, sampling stacks
// every interval. Zero values select the configured defaults. The session
// stops by itself once its duration elapses.
func (p *Profiler) Start(duration, interval time.Duration) error {
	_, err := p.start(duration, interval)
	return err
}

// start starts a session and returns a channel closed once it is over.
func (p *Profiler) start(duration, interval time.Duration) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reapLocked(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = p.cfg.samplingInterval
	}
	if duration <= 0 {
		duration = p.cfg.sessionDuration
	}
	if duration > MaxSessionDuration {
		log.Warn("Session duration %s exceeds the maximum, using %s", duration, MaxSessionDuration)
		duration = MaxSessionDuration
	}
	p.reset()
	p.margin = p.cfg.safetyMargin
	if p.margin <= 0 {
		p.margin = 2 * interval
	}
	if dir := p.cfg.diagnosticDir; dir != "" {
		rec, err := diag.NewRecorder(dir, p.sessionID)
		if err != nil {
			log.Warn("Unable to write diagnostic files for session %s: %v", p.sessionID, err)
		} else {
			p.rec = rec
		}
	}

	s := &session{exit: make(chan struct{}), done: make(chan struct{})}
	p.sess = s
	p.state.Store(int32(Sampling))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		p.run(s, duration, interval)
	}()
	log.Debug("Started inferred spans session %s (duration: %s, interval: %s)", p.sessionID, duration, interval)
	return s.done, nil
}

// reapLocked waits for a session which stopped by itself. It fails if a
// session is still running.
func (p *Profiler) reapLocked() error {
	if p.sess == nil {
		return nil
	}
	if p.State() != Idle {
		return ErrAlreadyRunning
	}
	p.sess.stop()
	p.sess = nil
	return nil
}

// reset prepares the consumer state for a new session.
func (p *Profiler) reset() {
	// events published by stragglers of the previous session
	p.drained = p.events.AppendUpTo(p.drained[:0], math.MaxInt64)
	p.drained = p.drained[:0]
	p.dropped.Store(0)
	clear(p.threads)
	for p.pending.Length() > 0 {
		p.pending.Remove()
	}
	p.samplingOff = false
	p.rec = nil
	p.sessionID = uuid.NewString()
}

// Stop stops the running session, if any, and waits until the buffered
// events are processed. Operations which are still active are abandoned.
// It is safe to call Stop multiple times.
func (p *Profiler) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return
	}
	p.sess.stop()
	p.sess = nil
}

// OnActivation reports that the traced operation ctx became active on the
// thread at the given timestamp. It never blocks, and reports whether the
// event was accepted. Events are rejected while no session is sampling and
// when the event channel is full.
func (p *Profiler) OnActivation(threadID uint64, ctx calltree.ContextID, timestamp int64) bool {
	return p.publish(activation.Event{ThreadID: threadID, Timestamp: timestamp, Context: ctx, Kind: activation.Activate})
}

// OnDeactivation reports that the traced operation ctx stopped being active
// on the thread. See OnActivation.
func (p *Profiler) OnDeactivation(threadID uint64, ctx calltree.ContextID, timestamp int64) bool {
	return p.publish(activation.Event{ThreadID: threadID, Timestamp: timestamp, Context: ctx, Kind: activation.Deactivate})
}

func (p *Profiler) publish(ev activation.Event) bool {
	if p.State() != Sampling {
		return false
	}
	if !p.events.Publish(ev) {
		p.dropped.Add(1)
		return false
	}
	return true
}

// BeginProfiling returns the call tree collecting the samples of the root
// operation ctx, started at the given timestamp.
func (p *Profiler) BeginProfiling(ctx calltree.ContextID, start int64) *calltree.Root {
	if log.DebugEnabled() {
		log.Debug("Profiling root operation %s", ctx)
	}
	return calltree.NewRoot(ctx, start)
}

// EndProfiling ends root at the given timestamp and returns its inferred
// spans.
func (p *Profiler) EndProfiling(root *calltree.Root, end int64) ([]calltree.InferredSpan, error) {
	if err := root.End(end - root.Start()); err != nil {
		return nil, err
	}
	spans, err := root.Spanify(calltree.SpanifyOptions{
		MinDuration: p.cfg.minDuration,
		MaxSpans:    p.cfg.maxSpans,
		SelfTime:    p.cfg.selfTime,
	})
	if err != nil {
		return nil, err
	}
	p.cfg.statsd.Count(metricSpansCreated, int64(len(spans)), p.cfg.tags, 1)
	if n := root.Truncated(); n > 0 {
		p.cfg.statsd.Count(metricSpansTruncated, int64(n), p.cfg.tags, 1)
		log.Debug("Dropped %d inferred spans of %s, the limit is %d", n, root.Context(), p.cfg.maxSpans)
	}
	return spans, nil
}

// Replay feeds the activation events and stack samples recorded in the
// diagnostic files of a session to the span sink, as if they were
// processed live. It fails while a session runs.
func (p *Profiler) Replay(eventsFile, samplesFile string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reapLocked(); err != nil {
		return err
	}
	events, samples, err := diag.Load(eventsFile, samplesFile)
	if err != nil {
		return fmt.Errorf("loading diagnostic files: %w", err)
	}
	p.reset()
	for _, s := range samples {
		p.pending.Add(s)
	}
	p.drained = append(p.drained, events...)
	p.process(math.MaxInt64)
	p.abandon()
	return nil
}
