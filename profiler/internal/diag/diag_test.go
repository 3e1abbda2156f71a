// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package diag

import (
	"os"
	"path/filepath"
	"testing"

	pprofile "github.com/google/pprof/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"

	"github.com/DataDog/dd-trace-go/inferredspans/internal/version"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/internal/activation"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/stack"
)

func TestRecorder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	r, err := NewRecorder(dir, "abc")
	require.NoError(t, err)

	var ctx calltree.ContextID
	ctx.TraceID[0], ctx.TraceID[15] = 0xde, 0xad
	ctx.SpanID[7] = 0x42
	events := []activation.Event{
		{ThreadID: 7, Timestamp: 100, Context: ctx, Kind: activation.Activate},
		{ThreadID: 7, Timestamp: 300, Context: ctx, Kind: activation.Deactivate},
	}
	for _, ev := range events {
		r.RecordEvent(ev)
	}
	frames := []calltree.Frame{
		{TypeName: "database/sql.(*DB)", Method: "QueryContext"},
		{TypeName: "shop/cart", Method: "Checkout"},
		{Method: "...additional frames elided..."},
	}
	samples := []stack.Sample{
		{ThreadID: 7, Timestamp: 250, Frames: frames[1:2]},
		{ThreadID: 7, Timestamp: 200, Frames: frames},
		{ThreadID: 8, Timestamp: 250},
	}
	for _, s := range samples {
		r.RecordSample(s)
	}
	require.NoError(t, r.Close())

	eventsPath, samplesPath := r.Paths()
	assert.Equal(t, filepath.Join(dir, "inferred-spans-abc-activations.msgp"), eventsPath)
	assert.Equal(t, filepath.Join(dir, "inferred-spans-abc-samples.pprof"), samplesPath)

	f, err := os.Open(samplesPath)
	require.NoError(t, err)
	prof, err := pprofile.Parse(f)
	f.Close()
	require.NoError(t, err)
	assert.Equal(t, []string{commentRelease + version.Tag}, prof.Comments)

	gotEvents, gotSamples, err := Load(eventsPath, samplesPath)
	require.NoError(t, err)
	assert.Equal(t, events, gotEvents)
	require.Len(t, gotSamples, 3)
	assert.EqualValues(t, 200, gotSamples[0].Timestamp)
	assert.Equal(t, frames, gotSamples[0].Frames)
	assert.EqualValues(t, 250, gotSamples[1].Timestamp)
	assert.Equal(t, frames[1:2], gotSamples[1].Frames)
	assert.EqualValues(t, 8, gotSamples[2].ThreadID)
	assert.Empty(t, gotSamples[2].Frames)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		_, _, err := Load(filepath.Join(dir, "nope.msgp"), filepath.Join(dir, "nope.pprof"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("bad-event", func(t *testing.T) {
		path := filepath.Join(dir, "bad.msgp")
		f, err := os.Create(path)
		require.NoError(t, err)
		w := msgp.NewWriter(f)
		require.NoError(t, w.WriteArrayHeader(2))
		require.NoError(t, w.WriteUint64(1))
		require.NoError(t, w.WriteInt64(2))
		require.NoError(t, w.Flush())
		require.NoError(t, f.Close())

		_, err = loadEvents(path)
		var arrErr msgp.ArrayError
		assert.ErrorAs(t, err, &arrErr)
	})

	t.Run("incompatible-release", func(t *testing.T) {
		path := filepath.Join(dir, "old.pprof")
		prof := &pprofile.Profile{
			SampleType: []*pprofile.ValueType{{Type: "samples", Unit: "count"}},
			Comments:   []string{commentRelease + "v999.0.0"},
		}
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, prof.Write(f))
		require.NoError(t, f.Close())

		_, err = loadSamples(path)
		assert.ErrorIs(t, err, ErrIncompatible)
	})

	t.Run("bad-profile", func(t *testing.T) {
		path := filepath.Join(dir, "bad.pprof")
		require.NoError(t, os.WriteFile(path, []byte("not a profile"), 0o644))
		_, err := loadSamples(path)
		assert.Error(t, err)
	})
}
