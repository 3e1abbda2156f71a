// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package statsdtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTestStatsdClient(t *testing.T) {
	var c TestStatsdClient
	tags := []string{"pid:1"}
	c.Count("a", 2, tags, 1)
	c.Count("a", 3, nil, 1)
	c.Count("b", 1, nil, 1)
	c.Timing("t", time.Second, tags, 1)
	c.Gauge("g", 1.5, nil, 1)
	tags[0] = "changed"

	assert.Equal(t, map[string]int64{"a": 5, "b": 1}, c.Counts())
	calls := c.CountCalls()
	assert.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].Name())
	assert.Equal(t, []string{"pid:1"}, calls[0].Tags())
	assert.EqualValues(t, 2, calls[0].IntVal())
	assert.Len(t, c.TimingCalls(), 1)

	c.Reset()
	assert.Empty(t, c.Counts())
	assert.Empty(t, c.CountCalls())
}
