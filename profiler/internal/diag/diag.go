// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package diag writes the activation events and stack samples processed by
// a sampling session to files, and reads them back for offline replay.
//
// Events are written as a stream of MessagePack arrays
// [thread id, timestamp, trace id, span id, kind]. Samples are written as a
// gzipped pprof profile with one sample per stack, labelled with the thread
// ID and the capture timestamp.
package diag

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	pprofile "github.com/google/pprof/profile"
	"github.com/tinylib/msgp/msgp"

	"github.com/DataDog/dd-trace-go/inferredspans/internal/version"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/internal/activation"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/stack"
)

const (
	eventFields = 5

	labelThread    = "goid"
	labelTimestamp = "timestamp_ns"

	// commentRelease prefixes the profile comment holding the release which
	// wrote the samples.
	commentRelease = "release: "
)

// ErrIncompatible is returned by Load for samples written by a release with
// another major version.
var ErrIncompatible = errors.New("diag: samples written by an incompatible release")

// Recorder writes the diagnostic files of one session. It is not safe for
// concurrent use.
type Recorder struct {
	eventsPath, samplesPath string

	f   *os.File
	w   *msgp.Writer
	err error // first write error

	prof *pprofile.Profile
	locs map[calltree.Frame]*pprofile.Location
}

// NewRecorder creates the diagnostic files of session id in dir.
func NewRecorder(dir, id string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	prefix := filepath.Join(dir, "inferred-spans-"+id)
	r := &Recorder{
		eventsPath:  prefix + "-activations.msgp",
		samplesPath: prefix + "-samples.pprof",
		locs:        make(map[calltree.Frame]*pprofile.Location),
	}
	f, err := os.Create(r.eventsPath)
	if err != nil {
		return nil, err
	}
	r.f = f
	r.w = msgp.NewWriter(f)
	m := &pprofile.Mapping{ID: 1, HasFunctions: true}
	r.prof = &pprofile.Profile{
		SampleType: []*pprofile.ValueType{{Type: "samples", Unit: "count"}},
		Mapping:    []*pprofile.Mapping{m},
		Comments:   []string{commentRelease + version.Tag},
	}
	return r, nil
}

// Paths returns the paths of the events file and of the samples file.
func (r *Recorder) Paths() (events, samples string) {
	return r.eventsPath, r.samplesPath
}

// RecordEvent appends ev to the events file.
func (r *Recorder) RecordEvent(ev activation.Event) {
	if r.err != nil {
		return
	}
	r.err = writeEvent(r.w, ev)
}

func writeEvent(w *msgp.Writer, ev activation.Event) error {
	if err := w.WriteArrayHeader(eventFields); err != nil {
		return err
	}
	if err := w.WriteUint64(ev.ThreadID); err != nil {
		return err
	}
	if err := w.WriteInt64(ev.Timestamp); err != nil {
		return err
	}
	if err := w.WriteBytes(ev.Context.TraceID[:]); err != nil {
		return err
	}
	if err := w.WriteBytes(ev.Context.SpanID[:]); err != nil {
		return err
	}
	return w.WriteUint8(uint8(ev.Kind))
}

// RecordSample adds s to the samples profile.
func (r *Recorder) RecordSample(s stack.Sample) {
	smp := &pprofile.Sample{
		Value:    []int64{1},
		Location: make([]*pprofile.Location, 0, len(s.Frames)),
		NumLabel: map[string][]int64{
			labelThread:    {int64(s.ThreadID)},
			labelTimestamp: {s.Timestamp},
		},
		NumUnit: map[string][]string{
			labelThread:    {"id"},
			labelTimestamp: {"nanoseconds"},
		},
	}
	for _, f := range s.Frames {
		smp.Location = append(smp.Location, r.location(f))
	}
	r.prof.Sample = append(r.prof.Sample, smp)
}

func (r *Recorder) location(f calltree.Frame) *pprofile.Location {
	if loc, ok := r.locs[f]; ok {
		return loc
	}
	fn := &pprofile.Function{
		ID:         uint64(len(r.prof.Function) + 1),
		Name:       f.QualifiedName(),
		SystemName: f.TypeName,
	}
	r.prof.Function = append(r.prof.Function, fn)
	loc := &pprofile.Location{
		ID:      uint64(len(r.prof.Location) + 1),
		Mapping: r.prof.Mapping[0],
		Line:    []pprofile.Line{{Function: fn}},
	}
	r.prof.Location = append(r.prof.Location, loc)
	r.locs[f] = loc
	return loc
}

// Close flushes the events file and writes the samples file.
func (r *Recorder) Close() error {
	err := r.err
	if ferr := r.w.Flush(); err == nil {
		err = ferr
	}
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	f, ferr := os.Create(r.samplesPath)
	if ferr != nil {
		return errors.Join(err, ferr)
	}
	defer f.Close()
	if werr := r.prof.Write(f); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// Load reads the files written by a Recorder. Samples are returned in
// timestamp order.
func Load(eventsPath, samplesPath string) ([]activation.Event, []stack.Sample, error) {
	events, err := loadEvents(eventsPath)
	if err != nil {
		return nil, nil, err
	}
	samples, err := loadSamples(samplesPath)
	if err != nil {
		return nil, nil, err
	}
	return events, samples, nil
}

func loadEvents(path string) ([]activation.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var (
		events  []activation.Event
		scratch []byte
	)
	r := msgp.NewReader(f)
	for {
		sz, err := r.ReadArrayHeader()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading event %d: %w", len(events), err)
		}
		if sz != eventFields {
			return nil, msgp.ArrayError{Wanted: eventFields, Got: sz}
		}
		var ev activation.Event
		if ev.ThreadID, err = r.ReadUint64(); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = r.ReadInt64(); err != nil {
			return nil, err
		}
		if scratch, err = r.ReadBytes(scratch[:0]); err != nil {
			return nil, err
		}
		copy(ev.Context.TraceID[:], scratch)
		if scratch, err = r.ReadBytes(scratch[:0]); err != nil {
			return nil, err
		}
		copy(ev.Context.SpanID[:], scratch)
		kind, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		ev.Kind = activation.Kind(kind)
		events = append(events, ev)
	}
}

func loadSamples(path string) ([]stack.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	prof, err := pprofile.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing samples profile: %w", err)
	}
	for _, c := range prof.Comments {
		if tag, ok := strings.CutPrefix(c, commentRelease); ok && !version.Compatible(tag) {
			return nil, fmt.Errorf("%w: %s", ErrIncompatible, tag)
		}
	}
	samples := make([]stack.Sample, 0, len(prof.Sample))
	for _, ps := range prof.Sample {
		s := stack.Sample{
			Frames: make([]calltree.Frame, 0, len(ps.Location)),
		}
		if v := ps.NumLabel[labelThread]; len(v) == 1 {
			s.ThreadID = uint64(v[0])
		}
		if v := ps.NumLabel[labelTimestamp]; len(v) == 1 {
			s.Timestamp = v[0]
		}
		for _, loc := range ps.Location {
			if len(loc.Line) == 0 || loc.Line[0].Function == nil {
				continue
			}
			fn := loc.Line[0].Function
			frame := calltree.Frame{TypeName: fn.SystemName, Method: fn.Name}
			if fn.SystemName != "" {
				frame.Method = strings.TrimPrefix(fn.Name, fn.SystemName+".")
			}
			s.Frames = append(s.Frames, frame)
		}
		samples = append(samples, s)
	}
	slices.SortStableFunc(samples, func(a, b stack.Sample) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return samples, nil
}
