package crdt

import (
	"fmt"
	"strings"
)

// OpID is a Lamport-style operation identifier: a per-client counter
// plus the client that issued it. Comparing two OpIDs gives a total
// order independent of arrival order, which is what makes concurrent
// inserts at the same position converge identically on every replica.
type OpID struct {
	Counter uint64
	Client  ClientID
}

func (a OpID) less(b OpID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Client < b.Client
}

// OpKind distinguishes the two operations an RGA supports.
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is a single RGA operation, the unit exchanged between devices as
// part of a card's content CRDT.
type Op struct {
	Kind    OpKind
	ID      OpID
	Left    OpID
	HasLeft bool
	Value   rune
}

type node struct {
	id      OpID
	hasLeft bool
	left    OpID
	value   rune
	deleted bool
}

// RGA is a replicated growable array: an operation-based sequence CRDT
// for a card's text blocks. Every element remembers the id of the
// element it was inserted after, so integrate() can place concurrent
// insertions at the same position in a deterministic, delivery-order-
// independent way (descending id wins the leftmost slot).
type RGA struct {
	client    ClientID
	clock     uint64
	nodes     []node
	index     map[OpID]int
	pendingTS map[OpID]bool
}

// NewRGA returns an empty sequence owned locally by client.
func NewRGA(client ClientID) *RGA {
	return &RGA{client: client, index: make(map[OpID]int)}
}

// nextID allocates the next local operation id.
func (r *RGA) nextID() OpID {
	r.clock++
	return OpID{Counter: r.clock, Client: r.client}
}

// InsertAfter creates and integrates a local insertion, returning the
// Op to broadcast to other devices. hasAfter=false inserts at the head.
func (r *RGA) InsertAfter(after OpID, hasAfter bool, value rune) Op {
	op := Op{Kind: OpInsert, ID: r.nextID(), Left: after, HasLeft: hasAfter, Value: value}
	_ = r.Apply(op)
	return op
}

// Delete creates and integrates a local tombstone for id.
func (r *RGA) Delete(id OpID) Op {
	op := Op{Kind: OpDelete, ID: id}
	_ = r.Apply(op)
	return op
}

// Apply integrates a remote (or local) op. It is idempotent: applying
// the same insert or delete twice is a no-op the second time.
func (r *RGA) Apply(op Op) error {
	switch op.Kind {
	case OpInsert:
		return r.applyInsert(op)
	case OpDelete:
		return r.applyDelete(op)
	default:
		return fmt.Errorf("crdt: unknown op kind %d", op.Kind)
	}
}

func (r *RGA) applyInsert(op Op) error {
	if op.ID.Counter > r.clock {
		r.clock = op.ID.Counter
	}
	if _, exists := r.index[op.ID]; exists {
		return nil
	}
	pos := 0
	if op.HasLeft {
		leftPos, ok := r.index[op.Left]
		if !ok {
			return fmt.Errorf("crdt: left origin %+v not yet integrated", op.Left)
		}
		pos = leftPos + 1
	}
	for pos < len(r.nodes) {
		next := r.nodes[pos]
		sameAnchor := next.hasLeft == op.HasLeft && next.left == op.Left
		if sameAnchor && op.ID.less(next.id) {
			pos++
			continue
		}
		break
	}

	n := node{id: op.ID, hasLeft: op.HasLeft, left: op.Left, value: op.Value}
	if r.pendingTS != nil && r.pendingTS[op.ID] {
		n.deleted = true
		delete(r.pendingTS, op.ID)
	}
	r.nodes = append(r.nodes, node{})
	copy(r.nodes[pos+1:], r.nodes[pos:])
	r.nodes[pos] = n
	r.reindex()
	return nil
}

func (r *RGA) applyDelete(op Op) error {
	if i, ok := r.index[op.ID]; ok {
		r.nodes[i].deleted = true
		return nil
	}
	if r.pendingTS == nil {
		r.pendingTS = make(map[OpID]bool)
	}
	r.pendingTS[op.ID] = true
	return nil
}

func (r *RGA) reindex() {
	r.index = make(map[OpID]int, len(r.nodes))
	for i, n := range r.nodes {
		r.index[n.id] = i
	}
}

// Text renders the sequence's live (non-tombstoned) runes, in order.
func (r *RGA) Text() string {
	var sb strings.Builder
	for _, n := range r.nodes {
		if !n.deleted {
			sb.WriteRune(n.value)
		}
	}
	return sb.String()
}

// Len returns the number of live codepoints.
func (r *RGA) Len() int {
	n := 0
	for _, e := range r.nodes {
		if !e.deleted {
			n++
		}
	}
	return n
}

func (r *RGA) liveIndexes() []int {
	out := make([]int, 0, len(r.nodes))
	for i, n := range r.nodes {
		if !n.deleted {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot returns every op needed to reconstruct r's full state
// (including tombstoned positions) on a blank replica: an Insert for
// every node in current order, followed by a Delete for every node
// (or still-pending tombstone) currently marked deleted. Apply is
// idempotent and order-independent, so replaying this list — in any
// order, any number of times — converges to r's exact state.
func (r *RGA) Snapshot() []Op {
	ops := make([]Op, 0, len(r.nodes)+len(r.pendingTS))
	for _, n := range r.nodes {
		ops = append(ops, Op{Kind: OpInsert, ID: n.id, Left: n.left, HasLeft: n.hasLeft, Value: n.value})
	}
	for _, n := range r.nodes {
		if n.deleted {
			ops = append(ops, Op{Kind: OpDelete, ID: n.id})
		}
	}
	for id := range r.pendingTS {
		ops = append(ops, Op{Kind: OpDelete, ID: id})
	}
	return ops
}

// IDAtOffset returns the OpID of the offset-th live codepoint (UTF-32
// index, per spec.md §3's text-offset contract).
func (r *RGA) IDAtOffset(offset int) (OpID, bool) {
	live := r.liveIndexes()
	if offset < 0 || offset >= len(live) {
		return OpID{}, false
	}
	return r.nodes[live[offset]].id, true
}

// InsertAtOffset is the UTF-32-offset-addressed convenience wrapper
// callers outside this package use — it hides OpID anchoring.
func (r *RGA) InsertAtOffset(offset int, value rune) Op {
	if offset <= 0 {
		return r.InsertAfter(OpID{}, false, value)
	}
	leftID, ok := r.IDAtOffset(offset - 1)
	if !ok {
		return r.InsertAfter(OpID{}, false, value)
	}
	return r.InsertAfter(leftID, true, value)
}

// DeleteAtOffset deletes the offset-th live codepoint, returning false
// if offset is out of range.
func (r *RGA) DeleteAtOffset(offset int) (Op, bool) {
	id, ok := r.IDAtOffset(offset)
	if !ok {
		return Op{}, false
	}
	return r.Delete(id), true
}
