// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBoolEnv(t *testing.T) {
	const key = "DD_TEST_BOOL_ENV"
	assert.True(t, BoolEnv(key, true))
	t.Setenv(key, "false")
	assert.False(t, BoolEnv(key, true))
	t.Setenv(key, "nope")
	assert.True(t, BoolEnv(key, true))
}

func TestIntEnv(t *testing.T) {
	const key = "DD_TEST_INT_ENV"
	assert.Equal(t, 7, IntEnv(key, 7))
	t.Setenv(key, "12")
	assert.Equal(t, 12, IntEnv(key, 7))
	t.Setenv(key, "twelve")
	assert.Equal(t, 7, IntEnv(key, 7))
}

func TestDurationEnv(t *testing.T) {
	const key = "DD_TEST_DURATION_ENV"
	for _, tt := range []struct {
		in   string
		want time.Duration
	}{
		{in: "50", want: 50 * time.Millisecond},
		{in: "2s", want: 2 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: "soon", want: time.Second},
	} {
		t.Run(tt.in, func(t *testing.T) {
			t.Setenv(key, tt.in)
			assert.Equal(t, tt.want, DurationEnv(key, time.Second))
		})
	}
}

func TestListEnv(t *testing.T) {
	const key = "DD_TEST_LIST_ENV"
	assert.Equal(t, []string{"x"}, ListEnv(key, []string{"x"}))
	t.Setenv(key, " runtime.*, ,(?-i)net/http.* ")
	assert.Equal(t, []string{"runtime.*", "(?-i)net/http.*"}, ListEnv(key, nil))
	t.Setenv(key, "")
	assert.Nil(t, ListEnv(key, []string{"x"}))
}
