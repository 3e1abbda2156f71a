// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package profiler_test

import (
	"log"
	"time"

	"github.com/DataDog/dd-trace-go/inferredspans/profiler"
	"github.com/DataDog/dd-trace-go/inferredspans/profiler/calltree"
)

// This example illustrates how to run a sampling session and report the
// traced operations handled by the current goroutine.
func Example() {
	p, err := profiler.New(
		profiler.WithSamplingInterval(20*time.Millisecond),
		profiler.WithIncludedFrames("example.com/shop/*"),
	)
	if err != nil {
		log.Fatal(err)
	}
	if err := p.Start(10*time.Second, 0); err != nil {
		log.Fatal(err)
	}
	defer p.Stop()

	var op calltree.ContextID // usually taken from the active span
	tid := profiler.CurrentThreadID()
	p.OnActivation(tid, op, profiler.Nanotime())
	// ...
	p.OnDeactivation(tid, op, profiler.Nanotime())
}
