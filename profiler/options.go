// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"fmt"
	"os"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"go.opentelemetry.io/otel"

	"github.com/DataDog/dd-trace-go/inferredspans/internal"
	"github.com/DataDog/dd-trace-go/inferredspans/internal/log"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/otelsink"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/wildcard"
)

const (
	// DefaultSamplingInterval is the default interval at which stacks are
	// sampled.
	DefaultSamplingInterval = 50 * time.Millisecond

	// DefaultSessionDuration is the default duration of a sampling session.
	DefaultSessionDuration = 5 * time.Second

	// DefaultProfilingInterval is the default interval at which Schedule
	// starts sessions.
	DefaultProfilingInterval = 5 * time.Second

	// MaxSessionDuration bounds the duration of a sampling session, whatever
	// duration it was started with.
	MaxSessionDuration = time.Minute

	// DefaultMaxSpans is the default maximum number of inferred spans
	// created for a single root operation.
	DefaultMaxSpans = 1000

	// DefaultBufferSize is the default capacity of the activation event
	// channel.
	DefaultBufferSize = 4096
)

// defaultExcludedFrames hides the scheduler and runtime internals found at
// the top of the stack of most parked goroutines.
var defaultExcludedFrames = []string{"runtime.*", "runtime/*", "internal/poll.*", "internal/runtime/*"}

type config struct {
	enabled           bool
	samplingInterval  time.Duration
	sessionDuration   time.Duration
	profilingInterval time.Duration
	minDuration       time.Duration
	maxSpans          int
	selfTime          bool
	bufferSize        int
	safetyMargin      time.Duration // zero means twice the sampling interval

	includedThreads, excludedThreads []string
	includedFrames, excludedFrames   []string
	threads, frames                  Matcher

	diagnosticDir string

	statsd     StatsdClient
	tags       []string
	sink       SpanSink
	capturer   StackCapturer
	enumerator ThreadEnumerator
	clock      func() int64
}

func defaultConfig() *config {
	c := config{
		enabled:           internal.BoolEnv("DD_PROFILING_INFERRED_SPANS_ENABLED", true),
		samplingInterval:  internal.DurationEnv("DD_PROFILING_INFERRED_SPANS_SAMPLING_INTERVAL", DefaultSamplingInterval),
		sessionDuration:   internal.DurationEnv("DD_PROFILING_INFERRED_SPANS_DURATION", DefaultSessionDuration),
		profilingInterval: internal.DurationEnv("DD_PROFILING_INFERRED_SPANS_INTERVAL", DefaultProfilingInterval),
		minDuration:       internal.DurationEnv("DD_PROFILING_INFERRED_SPANS_MIN_DURATION", 0),
		maxSpans:          internal.IntEnv("DD_PROFILING_INFERRED_SPANS_MAX_SPANS", DefaultMaxSpans),
		selfTime:          internal.BoolEnv("DD_PROFILING_INFERRED_SPANS_SELF_TIME", false),
		bufferSize:        internal.IntEnv("DD_PROFILING_INFERRED_SPANS_BUFFER_SIZE", DefaultBufferSize),
		includedThreads:   internal.ListEnv("DD_PROFILING_INFERRED_SPANS_INCLUDED_THREADS", nil),
		excludedThreads:   internal.ListEnv("DD_PROFILING_INFERRED_SPANS_EXCLUDED_THREADS", nil),
		includedFrames:    internal.ListEnv("DD_PROFILING_INFERRED_SPANS_INCLUDED_CLASSES", nil),
		excludedFrames:    internal.ListEnv("DD_PROFILING_INFERRED_SPANS_EXCLUDED_CLASSES", defaultExcludedFrames),
		diagnosticDir:     os.Getenv("DD_PROFILING_INFERRED_SPANS_BACKUP_DIAGNOSTIC_FILES"),
		statsd:            &statsd.NoOpClient{},
		tags:              []string{fmt.Sprintf("pid:%d", os.Getpid())},
		clock:             Nanotime,
	}
	return &c
}

// validate checks the configuration and fills in the collaborators which
// were not provided.
func (c *config) validate() error {
	if c.samplingInterval <= 0 {
		return fmt.Errorf("invalid sampling interval, must be > 0: %s", c.samplingInterval)
	}
	if c.sessionDuration <= 0 {
		return fmt.Errorf("invalid session duration, must be > 0: %s", c.sessionDuration)
	}
	if c.profilingInterval <= 0 {
		return fmt.Errorf("invalid profiling interval, must be > 0: %s", c.profilingInterval)
	}
	if c.bufferSize <= 0 {
		return fmt.Errorf("invalid buffer size, must be > 0: %d", c.bufferSize)
	}
	if c.maxSpans < 0 {
		return fmt.Errorf("invalid max spans, must be >= 0: %d", c.maxSpans)
	}
	if c.minDuration < 0 {
		return fmt.Errorf("invalid min duration, must be >= 0: %s", c.minDuration)
	}
	if c.threads == nil {
		c.threads = wildcard.New(c.includedThreads, c.excludedThreads)
	}
	if c.frames == nil {
		c.frames = wildcard.New(c.includedFrames, c.excludedFrames)
	}
	if c.sink == nil {
		c.sink = otelsink.New(otel.GetTracerProvider())
	}
	return nil
}

// An Option is used to configure the profiler's behaviour.
type Option func(*config)

// WithSamplingInterval sets the default interval at which stacks are sampled
// during a session.
func WithSamplingInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.samplingInterval = d
	}
}

// WithSessionDuration sets the default duration of a sampling session. It is
// capped at MaxSessionDuration.
func WithSessionDuration(d time.Duration) Option {
	return func(cfg *config) {
		cfg.sessionDuration = d
	}
}

// WithProfilingInterval sets the interval at which Schedule starts
// sessions. When it is not longer than the session duration, sessions run
// back to back.
func WithProfilingInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.profilingInterval = d
	}
}

// WithEnabled enables or disables the sessions started by Schedule. It
// defaults to the DD_PROFILING_INFERRED_SPANS_ENABLED environment variable,
// or true. Sessions started with Start are not affected.
func WithEnabled(enabled bool) Option {
	return func(cfg *config) {
		cfg.enabled = enabled
	}
}

// WithMinDuration drops the inferred spans shorter than d, along with their
// descendants.
func WithMinDuration(d time.Duration) Option {
	return func(cfg *config) {
		cfg.minDuration = d
	}
}

// WithMaxSpans caps the number of inferred spans created for a single root
// operation. Zero removes the limit.
func WithMaxSpans(n int) Option {
	return func(cfg *config) {
		cfg.maxSpans = n
	}
}

// WithSelfTimeSpans makes a frame which spent time outside of its only
// callee yield an inferred span of its own, instead of being folded into the
// span of the callee.
func WithSelfTimeSpans(enabled bool) Option {
	return func(cfg *config) {
		cfg.selfTime = enabled
	}
}

// WithBufferSize sets the capacity of the activation event channel. It is
// rounded up to a power of two.
func WithBufferSize(n int) Option {
	return func(cfg *config) {
		cfg.bufferSize = n
	}
}

// WithSafetyMargin sets how far behind the current time activation events
// and stack samples are correlated, leaving late events a chance to arrive.
// It defaults to twice the sampling interval.
func WithSafetyMargin(d time.Duration) Option {
	return func(cfg *config) {
		cfg.safetyMargin = d
	}
}

// WithIncludedThreads restricts sampling to the threads whose name matches
// one of the patterns. Goroutines are named after the function they were
// started with.
func WithIncludedThreads(patterns ...string) Option {
	return func(cfg *config) {
		cfg.includedThreads = append(cfg.includedThreads, patterns...)
	}
}

// WithExcludedThreads prevents the threads whose name matches one of the
// patterns from being sampled. Exclusions take precedence over inclusions.
func WithExcludedThreads(patterns ...string) Option {
	return func(cfg *config) {
		cfg.excludedThreads = append(cfg.excludedThreads, patterns...)
	}
}

// WithIncludedFrames keeps only the frames whose qualified function name
// matches one of the patterns.
func WithIncludedFrames(patterns ...string) Option {
	return func(cfg *config) {
		cfg.includedFrames = append(cfg.includedFrames, patterns...)
	}
}

// WithExcludedFrames removes the frames whose qualified function name
// matches one of the patterns. It replaces the default exclusions.
func WithExcludedFrames(patterns ...string) Option {
	return func(cfg *config) {
		cfg.excludedFrames = patterns
	}
}

// WithThreadMatcher replaces the thread patterns with m.
func WithThreadMatcher(m Matcher) Option {
	return func(cfg *config) {
		cfg.threads = m
	}
}

// WithFrameMatcher replaces the frame patterns with m.
func WithFrameMatcher(m Matcher) Option {
	return func(cfg *config) {
		cfg.frames = m
	}
}

// WithDiagnosticDir makes every session write its activation events and
// stack samples to files in dir, which can be fed to Replay.
func WithDiagnosticDir(dir string) Option {
	return func(cfg *config) {
		cfg.diagnosticDir = dir
	}
}

// WithStatsd specifies an optional statsd client to use for metrics. By default,
// no metrics are sent.
func WithStatsd(client StatsdClient) Option {
	return func(cfg *config) {
		cfg.statsd = client
	}
}

// WithTags adds tags to the metrics sent by the profiler.
func WithTags(tags ...string) Option {
	return func(cfg *config) {
		cfg.tags = append(cfg.tags, tags...)
	}
}

// WithSink sets where inferred spans are sent. By default they are started
// on the global OpenTelemetry tracer provider.
func WithSink(s SpanSink) Option {
	return func(cfg *config) {
		cfg.sink = s
	}
}

// WithStackCapturer replaces the goroutine stack capture.
func WithStackCapturer(c StackCapturer) Option {
	return func(cfg *config) {
		cfg.capturer = c
	}
}

// WithThreadEnumerator replaces the goroutine enumeration.
func WithThreadEnumerator(e ThreadEnumerator) Option {
	return func(cfg *config) {
		cfg.enumerator = e
	}
}

// WithClock sets the clock used to timestamp samples and to compute the
// correlation watermark, in nanoseconds. Activation events must be
// timestamped with the same clock. It defaults to Nanotime.
func WithClock(now func() int64) Option {
	return func(cfg *config) {
		cfg.clock = now
	}
}

// WithLogger sets the logger used by the profiler.
func WithLogger(l log.Logger) Option {
	return func(_ *config) {
		log.UseLogger(l)
	}
}
