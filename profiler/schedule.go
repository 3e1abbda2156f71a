// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler

import (
	"errors"
	"sync"
	"time"

	"github.com/DataDog/dd-trace-go/inferredspans/internal/log"
)

type scheduler struct {
	exit     chan struct{} // closed to stop scheduling
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *scheduler) stop() {
	s.stopOnce.Do(func() { close(s.exit) })
	s.wg.Wait()
}

// Schedule starts a session with the configured defaults every profiling
// interval, in the background, until Close is called. Sessions run back to
// back when the interval is not longer than their duration. A session which
// is still running when the next one is due delays it by one interval.
//
// Schedule does nothing when the profiler is disabled, see WithEnabled.
func (p *Profiler) Schedule() error {
	if !p.cfg.enabled {
		log.Info("Inferred spans are disabled, no session will be scheduled")
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sched != nil {
		return ErrAlreadyScheduled
	}
	s := &scheduler{exit: make(chan struct{})}
	p.sched = s
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		p.schedule(s)
	}()
	log.Debug("Scheduled inferred spans sessions every %s", p.cfg.profilingInterval)
	return nil
}

func (p *Profiler) schedule(s *scheduler) {
	for {
		select {
		case <-s.exit:
			return
		default:
		}
		started := time.Now()
		done, err := p.start(0, 0)
		switch {
		case errors.Is(err, ErrAlreadyRunning):
			log.Debug("Skipping scheduled session: %v", err)
		case err != nil:
			log.Error("Unable to start scheduled session: %v", err)
		default:
			select {
			case <-done:
			case <-s.exit:
				return
			}
		}
		wait := p.cfg.profilingInterval - time.Since(started)
		if err != nil {
			wait = p.cfg.profilingInterval
		}
		if wait <= 0 {
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.exit:
			t.Stop()
			return
		}
	}
}

// Close stops scheduling sessions, then stops the running session, if any.
// It is safe to call Close multiple times.
func (p *Profiler) Close() {
	p.mu.Lock()
	s := p.sched
	p.sched = nil
	p.mu.Unlock()
	if s != nil {
		s.stop()
	}
	p.Stop()
}
