// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package calltree aggregates the stack samples taken on a single thread
// while a traced operation is active into a tree of frames, and derives
// inferred spans from that tree.
//
// A Root is not safe for concurrent use. It is owned by the goroutine which
// processes activation events and stack samples.
package calltree

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrEnded is returned when samples are added to a Root that has
	// already ended.
	ErrEnded = errors.New("calltree: root has ended")
	// ErrNotEnded is returned by Spanify when the Root has not ended yet.
	ErrNotEnded = errors.New("calltree: root has not ended")
	// ErrAlreadySpanified is returned when Spanify is called twice.
	ErrAlreadySpanified = errors.New("calltree: root was already spanified")
)

// noNode marks the absence of a node index.
const noNode = -1

type node struct {
	frame     Frame
	parent    int32
	children  []int32
	hits      int
	firstSeen int64 // offset from the root start, in nanoseconds
	lastSeen  int64

	// active is the context of the nested operation which was active on
	// the thread when this node was created, if marked. activatedAt and
	// deactivatedAt are the offsets at which that operation started and
	// ended, deactivatedAt being -1 while it runs.
	active        ContextID
	hasActive     bool
	activatedAt   int64
	deactivatedAt int64

	// childIDs are the nested operations which started while this node was
	// the innermost frame of the thread.
	childIDs []ContextID
}

type activeChild struct {
	ctx ContextID
	at  int64
}

type heldChild struct {
	ctx  ContextID
	node int32
}

// Root is the call tree built for one root operation on one thread. The
// frame of its implicit root node is empty.
type Root struct {
	ctx       ContextID
	start     int64
	end       int64
	ended     bool
	spanified bool
	truncated int

	nodes []node // nodes[0] is the implicit root node

	// nested holds the nested operations currently active on the thread,
	// innermost last.
	nested []activeChild
	// marked indexes the nodes marked with an active context.
	marked map[ContextID]int32

	// top is the innermost node of the last stack trace, 0 before the first.
	top int32
	// unconfirmed lists the child operations handed to top since the last
	// stack trace. The next stack trace tells whether top was still running.
	unconfirmed []heldChild
}

// NewRoot returns the call tree of the operation identified by ctx, which
// started at the given timestamp in nanoseconds.
func NewRoot(ctx ContextID, start int64) *Root {
	r := &Root{
		ctx:   ctx,
		start: start,
		nodes: make([]node, 1, 16),
	}
	r.nodes[0].parent = noNode
	return r
}

// Context returns the context of the root operation.
func (r *Root) Context() ContextID { return r.ctx }

// Start returns the start timestamp of the root operation, in nanoseconds.
func (r *Root) Start() int64 { return r.start }

// EndTimestamp returns the end timestamp of the root operation, or 0 while it
// has not ended.
func (r *Root) EndTimestamp() int64 {
	if !r.ended {
		return 0
	}
	return r.end
}

// Ended reports whether End was called.
func (r *Root) Ended() bool { return r.ended }

// SampleCount returns the number of stack traces added to the tree.
func (r *Root) SampleCount() int { return r.nodes[0].hits }

// Len returns the number of nodes in the tree, the implicit root included.
func (r *Root) Len() int { return len(r.nodes) }

// Truncated returns the number of spans Spanify left out because of its
// span limit, not counting the descendants of those spans.
func (r *Root) Truncated() int { return r.truncated }

// AddStackTrace adds the stack trace captured offset nanoseconds after the
// root start. Frames are ordered innermost first, the way they are printed
// in a stack dump.
//
// Starting at the implicit root node, each frame is matched against the last
// child of the current node only. A match increments the hit count of that
// child, otherwise a new child is appended. Samples therefore have to be
// added in time order.
func (r *Root) AddStackTrace(frames []Frame, offset int64) error {
	if r.ended {
		return ErrEnded
	}
	r.hit(0, offset)

	// The first node created below the point at which this branch last
	// saw the active nested operation gets marked with its context.
	var pending activeChild
	hasPending := len(r.nested) > 0
	if hasPending {
		pending = r.nested[len(r.nested)-1]
	}
	cur := int32(0)
	for i := len(frames) - 1; i >= 0; i-- {
		if hasPending && r.nodes[cur].hasActive && r.nodes[cur].active == pending.ctx {
			hasPending = false
		}
		if last := r.lastChild(cur); last != noNode && r.nodes[last].frame == frames[i] {
			cur = last
			r.hit(cur, offset)
			continue
		}
		child := r.addChild(cur, frames[i], offset)
		if hasPending {
			r.mark(child, pending)
			hasPending = false
		}
		cur = child
	}
	if cur != 0 {
		r.confirm(cur)
		r.top = cur
	}
	return nil
}

// confirm moves the unconfirmed child operations whose holder is not on the
// branch of top, meaning the holder had already returned when they started,
// to the deepest frame shared by both branches.
func (r *Root) confirm(top int32) {
	for _, h := range r.unconfirmed {
		if r.descends(top, h.node) {
			continue
		}
		to := r.commonAncestor(h.node, top)
		if to == 0 {
			to = top
		}
		r.moveChildID(h.ctx, h.node, to)
	}
	r.unconfirmed = r.unconfirmed[:0]
}

// descends reports whether idx is anc or one of its descendants.
func (r *Root) descends(idx, anc int32) bool {
	for ; idx != noNode; idx = r.nodes[idx].parent {
		if idx == anc {
			return true
		}
	}
	return false
}

func (r *Root) commonAncestor(a, b int32) int32 {
	for ; a != noNode; a = r.nodes[a].parent {
		if r.descends(b, a) {
			return a
		}
	}
	return 0
}

// moveChildID moves ctx from the child operations of from to those of to.
// It reports false if from does not hold ctx.
func (r *Root) moveChildID(ctx ContextID, from, to int32) bool {
	ids := r.nodes[from].childIDs
	i := slices.Index(ids, ctx)
	if i < 0 {
		return false
	}
	r.nodes[from].childIDs = slices.Delete(ids, i, i+1)
	r.nodes[to].childIDs = append(r.nodes[to].childIDs, ctx)
	return true
}

func (r *Root) hit(idx int32, offset int64) {
	n := &r.nodes[idx]
	if n.hits == 0 {
		n.firstSeen = offset
	}
	n.hits++
	if offset > n.lastSeen {
		n.lastSeen = offset
	}
}

func (r *Root) lastChild(idx int32) int32 {
	if c := r.nodes[idx].children; len(c) > 0 {
		return c[len(c)-1]
	}
	return noNode
}

func (r *Root) addChild(parent int32, f Frame, offset int64) int32 {
	idx := int32(len(r.nodes))
	r.nodes = append(r.nodes, node{
		frame:     f,
		parent:    parent,
		hits:      1,
		firstSeen: offset,
		lastSeen:  offset,
	})
	r.nodes[parent].children = append(r.nodes[parent].children, idx)
	return idx
}

func (r *Root) mark(idx int32, a activeChild) {
	n := &r.nodes[idx]
	n.active = a.ctx
	n.hasActive = true
	n.activatedAt = a.at
	n.deactivatedAt = -1
	if r.marked == nil {
		r.marked = make(map[ContextID]int32)
	}
	if _, ok := r.marked[a.ctx]; !ok {
		r.marked[a.ctx] = idx
	}
}

// SetActiveChildContext records that the nested operation ctx became active
// on the thread, offset nanoseconds after the root start. Nested operations
// stack up until cleared.
//
// Unless it runs within another nested operation started from the same
// frame, ctx becomes a child operation of the innermost frame of the last
// stack trace.
func (r *Root) SetActiveChildContext(ctx ContextID, offset int64) {
	if r.top != 0 && !r.holdsActive(r.top) {
		r.nodes[r.top].childIDs = append(r.nodes[r.top].childIDs, ctx)
		r.unconfirmed = append(r.unconfirmed, heldChild{ctx: ctx, node: r.top})
	}
	r.nested = append(r.nested, activeChild{ctx: ctx, at: offset})
}

func (r *Root) holdsActive(idx int32) bool {
	for _, id := range r.nodes[idx].childIDs {
		for _, a := range r.nested {
			if a.ctx == id {
				return true
			}
		}
	}
	return false
}

// ClearActiveChildContext records that the innermost nested operation ended
// offset nanoseconds after the root start, making its enclosing nested
// operation, if any, active again.
//
// The frames of the current branch which were running when the operation
// started, but were last seen before it ended, are known to have run at
// least until it ended.
func (r *Root) ClearActiveChildContext(offset int64) {
	if len(r.nested) == 0 {
		return
	}
	a := r.nested[len(r.nested)-1]
	r.nested = r.nested[:len(r.nested)-1]
	for idx := r.lastChild(0); idx != noNode; idx = r.lastChild(idx) {
		n := &r.nodes[idx]
		if n.firstSeen <= a.at && a.at <= n.lastSeen && n.lastSeen < offset {
			n.lastSeen = offset
		}
		if n.hasActive && n.active == a.ctx {
			n.deactivatedAt = offset
			break
		}
	}
}

// ActiveChildContext returns the innermost active nested operation.
func (r *Root) ActiveChildContext() (ContextID, bool) {
	if len(r.nested) == 0 {
		return ContextID{}, false
	}
	return r.nested[len(r.nested)-1].ctx, true
}

// MarkedNode returns the first node marked with ctx. Marks are set when ctx
// is first seen active, and moved by End to the children of the nodes which
// outlived ctx.
func (r *Root) MarkedNode(ctx ContextID) (Node, bool) {
	idx, ok := r.marked[ctx]
	if !ok {
		return Node{}, false
	}
	return Node{r: r, idx: idx}, true
}

// End records the end of the root operation, offset nanoseconds after its
// start. The tree is frozen afterwards.
func (r *Root) End(offset int64) error {
	if r.ended {
		return ErrEnded
	}
	r.ended = true
	r.end = r.start + offset
	r.nested = nil
	r.unconfirmed = nil
	if r.settle(0) {
		clear(r.marked)
		for idx := range r.nodes {
			if n := &r.nodes[idx]; n.hasActive {
				if _, ok := r.marked[n.active]; !ok {
					r.marked[n.active] = int32(idx)
				}
			}
		}
	}
	return nil
}

// settle fixes up the subtree of idx for the nodes which were still running
// after the nested operation they were marked with had ended. Such a node
// started before the operation and encloses it: it takes the operation over
// from its parent as a child operation, and hands the mark down to its own
// children. It reports whether any mark moved.
func (r *Root) settle(idx int32) bool {
	moved := false
	n := &r.nodes[idx]
	if n.hasActive && n.deactivatedAt >= 0 && n.lastSeen > n.deactivatedAt {
		n.firstSeen = min(n.firstSeen, n.activatedAt)
		if n.parent != noNode {
			r.moveChildID(n.active, n.parent, idx)
		}
		for _, c := range n.children {
			cn := &r.nodes[c]
			if cn.hasActive {
				continue
			}
			cn.active, cn.hasActive = n.active, true
			cn.activatedAt, cn.deactivatedAt = n.activatedAt, n.deactivatedAt
		}
		n.active, n.hasActive = ContextID{}, false
		moved = true
	}
	for _, c := range r.nodes[idx].children {
		if r.settle(c) {
			moved = true
		}
	}
	return moved
}

// Node returns the implicit root node of the tree.
func (r *Root) Node() Node { return Node{r: r} }

// String returns an indented representation of the tree, one node per line
// along with its hit count.
func (r *Root) String() string {
	var sb strings.Builder
	var walk func(idx int32, depth int)
	walk = func(idx int32, depth int) {
		n := &r.nodes[idx]
		if idx != 0 {
			sb.WriteString(strings.Repeat("  ", depth-1))
			fmt.Fprintf(&sb, "%s %d\n", n.frame.Name(), n.hits)
		}
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(0, 0)
	return sb.String()
}

// Node is a read-only view of a node of a Root.
type Node struct {
	r   *Root
	idx int32
}

func (n Node) get() *node { return &n.r.nodes[n.idx] }

// IsRoot reports whether n is the implicit root node.
func (n Node) IsRoot() bool { return n.idx == 0 }

// Frame returns the frame of n. It is empty for the implicit root node.
func (n Node) Frame() Frame { return n.get().frame }

// HitCount returns the number of samples which went through n.
func (n Node) HitCount() int { return n.get().hits }

// FirstSeen returns the offset of the first sample which went through n.
func (n Node) FirstSeen() int64 { return n.get().firstSeen }

// LastSeen returns the offset of the last sample which went through n.
func (n Node) LastSeen() int64 { return n.get().lastSeen }

// Duration returns LastSeen minus FirstSeen.
func (n Node) Duration() int64 { return n.get().lastSeen - n.get().firstSeen }

// ChildCount returns the number of children of n.
func (n Node) ChildCount() int { return len(n.get().children) }

// Child returns the i-th child of n, in creation order.
func (n Node) Child(i int) Node { return Node{r: n.r, idx: n.get().children[i]} }

// Children returns the children of n, in creation order.
func (n Node) Children() []Node {
	c := n.get().children
	out := make([]Node, len(c))
	for i, idx := range c {
		out[i] = Node{r: n.r, idx: idx}
	}
	return out
}

// LastChild returns the most recently created child of n, the only one
// which later samples can extend.
func (n Node) LastChild() (Node, bool) {
	idx := n.r.lastChild(n.idx)
	if idx == noNode {
		return Node{}, false
	}
	return Node{r: n.r, idx: idx}, true
}

// Parent returns the parent of n. It returns false for the implicit root
// node.
func (n Node) Parent() (Node, bool) {
	p := n.get().parent
	if p == noNode {
		return Node{}, false
	}
	return Node{r: n.r, idx: p}, true
}

// Depth returns the number of edges between n and the implicit root node.
func (n Node) Depth() int {
	d := 0
	for p := n.get().parent; p != noNode; p = n.r.nodes[p].parent {
		d++
	}
	return d
}

// ChildIDs returns the nested operations which started while n was the
// innermost frame of the thread.
func (n Node) ChildIDs() []ContextID { return n.get().childIDs }

// ActiveContext returns the context n was marked with, if any.
func (n Node) ActiveContext() (ContextID, bool) {
	nn := n.get()
	return nn.active, nn.hasActive
}
