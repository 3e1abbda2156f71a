// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package calltree

import (
	"encoding/hex"
	"strings"
)

// ContextID identifies a traced operation. The layout matches W3C trace
// context identifiers.
type ContextID struct {
	TraceID [16]byte
	SpanID  [8]byte
}

// IsZero reports whether c is the zero ContextID.
func (c ContextID) IsZero() bool {
	return c == ContextID{}
}

// String returns the hex encoded "<trace id>-<span id>" form of c.
func (c ContextID) String() string {
	var b [16*2 + 1 + 8*2]byte
	hex.Encode(b[:32], c.TraceID[:])
	b[32] = '-'
	hex.Encode(b[33:], c.SpanID[:])
	return string(b[:])
}

// Frame is a single stack frame. Two frames are equal when both their type
// name and their method are equal.
type Frame struct {
	// TypeName is the fully qualified name of the type declaring Method.
	// For Go functions this is the import path followed by the receiver,
	// if any, e.g. "net/http.(*conn)".
	TypeName string
	// Method is the function or method name.
	Method string
}

// ParseFrame splits a fully qualified Go function name, as found in
// runtime stack dumps, into a Frame.
func ParseFrame(fn string) Frame {
	slash := strings.LastIndexByte(fn, '/')
	dot := strings.LastIndexByte(fn[slash+1:], '.')
	if dot < 0 {
		return Frame{Method: fn}
	}
	dot += slash + 1
	return Frame{TypeName: fn[:dot], Method: fn[dot+1:]}
}

// Name returns the short name of the frame: the type name without its
// package path, a dot and the method. Only the method is returned when
// TypeName is empty.
func (f Frame) Name() string {
	if f.TypeName == "" {
		return f.Method
	}
	typ := f.TypeName[strings.LastIndexByte(f.TypeName, '/')+1:]
	if i := strings.IndexByte(typ, '.'); i >= 0 {
		// drop the package name, keeping the receiver
		typ = typ[i+1:]
	}
	return typ + "." + f.Method
}

// QualifiedName returns the full name of the frame, the inverse of
// ParseFrame.
func (f Frame) QualifiedName() string {
	if f.TypeName == "" {
		return f.Method
	}
	return f.TypeName + "." + f.Method
}

// String implements fmt.Stringer.
func (f Frame) String() string { return f.Name() }
