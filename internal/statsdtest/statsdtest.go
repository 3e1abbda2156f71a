// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package statsdtest provides a statsd client recording the metrics it
// receives, for tests.
package statsdtest

import (
	"sync"
	"time"
)

type callType int64

const (
	callTypeGauge callType = iota
	callTypeCount
	callTypeTiming
)

// TestStatsdClient records Count, Gauge and Timing calls.
type TestStatsdClient struct {
	mu          sync.RWMutex
	gaugeCalls  []TestStatsdCall
	countCalls  []TestStatsdCall
	timingCalls []TestStatsdCall
	counts      map[string]int64
}

// TestStatsdCall is a recorded metric.
type TestStatsdCall struct {
	name     string
	floatVal float64
	intVal   int64
	timeVal  time.Duration
	tags     []string
	rate     float64
}

// Name returns the metric name.
func (t TestStatsdCall) Name() string {
	return t.name
}

// Tags returns the metric tags.
func (t TestStatsdCall) Tags() []string {
	return t.tags
}

// IntVal returns the value of a count.
func (t TestStatsdCall) IntVal() int64 {
	return t.intVal
}

// Gauge implements the statsd client interface.
func (tg *TestStatsdClient) Gauge(name string, value float64, tags []string, rate float64) error {
	return tg.addMetric(callTypeGauge, tags, TestStatsdCall{
		name:     name,
		floatVal: value,
		tags:     make([]string, len(tags)),
		rate:     rate,
	})
}

// Count implements the statsd client interface.
func (tg *TestStatsdClient) Count(name string, value int64, tags []string, rate float64) error {
	return tg.addMetric(callTypeCount, tags, TestStatsdCall{
		name:   name,
		intVal: value,
		tags:   make([]string, len(tags)),
		rate:   rate,
	})
}

// Timing implements the statsd client interface.
func (tg *TestStatsdClient) Timing(name string, value time.Duration, tags []string, rate float64) error {
	return tg.addMetric(callTypeTiming, tags, TestStatsdCall{
		name:    name,
		timeVal: value,
		tags:    make([]string, len(tags)),
		rate:    rate,
	})
}

func (tg *TestStatsdClient) addMetric(ct callType, tags []string, c TestStatsdCall) error {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	copy(c.tags, tags)
	switch ct {
	case callTypeGauge:
		tg.gaugeCalls = append(tg.gaugeCalls, c)
	case callTypeCount:
		if tg.counts == nil {
			tg.counts = make(map[string]int64)
		}
		tg.counts[c.name] += c.intVal
		tg.countCalls = append(tg.countCalls, c)
	case callTypeTiming:
		tg.timingCalls = append(tg.timingCalls, c)
	}
	return nil
}

// CountCalls returns the recorded counts, in call order.
func (tg *TestStatsdClient) CountCalls() []TestStatsdCall {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	c := make([]TestStatsdCall, len(tg.countCalls))
	copy(c, tg.countCalls)
	return c
}

// TimingCalls returns the recorded timings, in call order.
func (tg *TestStatsdClient) TimingCalls() []TestStatsdCall {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	c := make([]TestStatsdCall, len(tg.timingCalls))
	copy(c, tg.timingCalls)
	return c
}

// Counts returns the sum of the counts received per metric name.
func (tg *TestStatsdClient) Counts() map[string]int64 {
	tg.mu.RLock()
	defer tg.mu.RUnlock()
	c := make(map[string]int64, len(tg.counts))
	for k, v := range tg.counts {
		c[k] = v
	}
	return c
}

// Reset forgets the recorded calls.
func (tg *TestStatsdClient) Reset() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	tg.gaugeCalls = nil
	tg.countCalls = nil
	tg.timingCalls = nil
	tg.counts = nil
}
