// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package calltree

import (
	pprofile "github.com/google/pprof/profile"
)

// Profile returns the tree as a pprof profile. Every node with self samples,
// i.e. more hits than the sum of its children, yields one sample whose value
// is that difference.
func (r *Root) Profile() *pprofile.Profile {
	p := &pprofile.Profile{
		SampleType: []*pprofile.ValueType{
			{Type: "samples", Unit: "count"},
		},
		PeriodType: &pprofile.ValueType{Type: "wall", Unit: "nanoseconds"},
		TimeNanos:  r.start,
		Comments:   []string{"context " + r.ctx.String()},
	}
	if r.ended {
		p.DurationNanos = r.end - r.start
	}
	locations := make(map[Frame]*pprofile.Location)
	location := func(f Frame) *pprofile.Location {
		if loc, ok := locations[f]; ok {
			return loc
		}
		fn := &pprofile.Function{
			ID:         uint64(len(p.Function) + 1),
			Name:       f.QualifiedName(),
			SystemName: f.QualifiedName(),
		}
		p.Function = append(p.Function, fn)
		loc := &pprofile.Location{
			ID:   uint64(len(p.Location) + 1),
			Line: []pprofile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		locations[f] = loc
		return loc
	}
	for idx := 1; idx < len(r.nodes); idx++ {
		n := &r.nodes[idx]
		self := n.hits
		for _, c := range n.children {
			self -= r.nodes[c].hits
		}
		if self <= 0 {
			continue
		}
		var stack []*pprofile.Location
		for cur := int32(idx); cur > 0; cur = r.nodes[cur].parent {
			stack = append(stack, location(r.nodes[cur].frame))
		}
		p.Sample = append(p.Sample, &pprofile.Sample{
			Location: stack,
			Value:    []int64{int64(self)},
		})
	}
	return p
}
