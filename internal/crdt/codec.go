package crdt

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// This file hand-encodes CRDT snapshots in protobuf wire format, the
// same low-level protowire primitives internal/wire uses for the
// relay's request/response payloads — kept here rather than in that
// package because the encoding is tied one-for-one to this package's
// op shapes, not to the wire protocol's own message catalogue. A
// snapshot is every op needed to reconstruct a sub-document's state on
// a blank replica (see RGA.Snapshot / LWWMap.Snapshot); since Apply is
// idempotent and commutative, re-encoding and replaying a snapshot on
// top of an already-merged replica is always safe.

const (
	fieldOpKind    = 1
	fieldOpCounter = 2
	fieldOpClient  = 3
	fieldOpLeftCtr = 4
	fieldOpLeftCli = 5
	fieldOpHasLeft = 6
	fieldOpValue   = 7
)

func marshalOp(op Op) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOpKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	b = protowire.AppendTag(b, fieldOpCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, op.ID.Counter)
	b = protowire.AppendTag(b, fieldOpClient, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.ID.Client))
	if op.HasLeft {
		b = protowire.AppendTag(b, fieldOpLeftCtr, protowire.VarintType)
		b = protowire.AppendVarint(b, op.Left.Counter)
		b = protowire.AppendTag(b, fieldOpLeftCli, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op.Left.Client))
		b = protowire.AppendTag(b, fieldOpHasLeft, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if op.Kind == OpInsert {
		b = protowire.AppendTag(b, fieldOpValue, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(op.Value))
	}
	return b
}

func unmarshalOp(data []byte) (Op, error) {
	var op Op
	if err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case fieldOpKind:
			op.Kind = OpKind(n)
		case fieldOpCounter:
			op.ID.Counter = n
		case fieldOpClient:
			op.ID.Client = ClientID(n)
		case fieldOpLeftCtr:
			op.Left.Counter = n
		case fieldOpLeftCli:
			op.Left.Client = ClientID(n)
		case fieldOpHasLeft:
			op.HasLeft = n != 0
		case fieldOpValue:
			op.Value = rune(n)
		}
		return nil
	}); err != nil {
		return Op{}, err
	}
	return op, nil
}

const (
	fieldLWWKey       = 1
	fieldLWWValue     = 2
	fieldLWWTombstone = 3
	fieldLWWCounter   = 4
	fieldLWWClient    = 5
)

func marshalLWWOp(op LWWOp) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldLWWKey, protowire.BytesType)
	b = protowire.AppendString(b, op.Key)
	if len(op.Value) > 0 {
		b = protowire.AppendTag(b, fieldLWWValue, protowire.BytesType)
		b = protowire.AppendBytes(b, op.Value)
	}
	if op.Tombstone {
		b = protowire.AppendTag(b, fieldLWWTombstone, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	b = protowire.AppendTag(b, fieldLWWCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, op.ID.Counter)
	b = protowire.AppendTag(b, fieldLWWClient, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.ID.Client))
	return b
}

func unmarshalLWWOp(data []byte) (LWWOp, error) {
	var op LWWOp
	if err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case fieldLWWKey:
			op.Key = string(v)
		case fieldLWWValue:
			op.Value = v
		case fieldLWWTombstone:
			op.Tombstone = n != 0
		case fieldLWWCounter:
			op.ID.Counter = n
		case fieldLWWClient:
			op.ID.Client = ClientID(n)
		}
		return nil
	}); err != nil {
		return LWWOp{}, err
	}
	return op, nil
}

const (
	fieldContentBlock     = 1 // repeated, nested {name, ops}
	fieldContentFileOp    = 2 // repeated LWWOp
	fieldContentChecklist = 3 // repeated LWWOp

	fieldBlockName = 1
	fieldBlockOp   = 2 // repeated Op
)

// MarshalContent encodes d's full state as a replayable op snapshot.
func MarshalContent(d *ContentDoc) []byte {
	var b []byte
	for _, blockID := range d.BlockIDs() {
		var block []byte
		block = protowire.AppendTag(block, fieldBlockName, protowire.BytesType)
		block = protowire.AppendString(block, blockID)
		for _, op := range d.Block(blockID).Snapshot() {
			block = protowire.AppendTag(block, fieldBlockOp, protowire.BytesType)
			block = protowire.AppendBytes(block, marshalOp(op))
		}
		b = protowire.AppendTag(b, fieldContentBlock, protowire.BytesType)
		b = protowire.AppendBytes(b, block)
	}
	for _, op := range d.files.Snapshot() {
		b = protowire.AppendTag(b, fieldContentFileOp, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLWWOp(op))
	}
	for _, op := range d.checklist.Snapshot() {
		b = protowire.AppendTag(b, fieldContentChecklist, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLWWOp(op))
	}
	return b
}

// UnmarshalContent rebuilds a ContentDoc owned locally by client from
// a snapshot produced by MarshalContent, on any replica, in any order.
func UnmarshalContent(client ClientID, data []byte) (*ContentDoc, error) {
	d := NewContentDoc(client)
	if err := MergeContent(d, data); err != nil {
		return nil, err
	}
	return d, nil
}

// MergeContent applies every op in a snapshot produced by
// MarshalContent onto d in place. Since Apply is idempotent and
// commutative, this is the same operation docstore uses both to
// decode a document from cold storage (into a freshly emptied d) and
// to fold a peer's pulled snapshot into the local live document
// without discarding unsynced local edits (spec.md §4.3 "Conflict
// semantics. CRDT merge is commutative & idempotent, so repeated
// delivery is safe.").
func MergeContent(d *ContentDoc, data []byte) error {
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case fieldContentBlock:
			return applyBlockSnapshot(d, v)
		case fieldContentFileOp:
			op, err := unmarshalLWWOp(v)
			if err != nil {
				return err
			}
			d.files.Apply(op)
		case fieldContentChecklist:
			op, err := unmarshalLWWOp(v)
			if err != nil {
				return err
			}
			d.checklist.Apply(op)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("crdt: merge content: %w", err)
	}
	return nil
}

func applyBlockSnapshot(d *ContentDoc, data []byte) error {
	var name string
	var ops []Op
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case fieldBlockName:
			name = string(v)
		case fieldBlockOp:
			op, err := unmarshalOp(v)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return err
	}
	block := d.Block(name)
	return applyOpsUntilDone(block, ops)
}

// applyOpsUntilDone integrates ops whose left-origin may not have
// landed yet by retrying the remainder until a full pass makes no
// progress — mirrors crdt_test.go's applyUntilComplete helper, needed
// here because a snapshot's Insert ops for one block have no
// guaranteed left-to-right order.
func applyOpsUntilDone(r *RGA, ops []Op) error {
	pending := ops
	for len(pending) > 0 {
		next := pending[:0]
		progressed := false
		for _, op := range pending {
			if err := r.Apply(op); err != nil {
				next = append(next, op)
				continue
			}
			progressed = true
		}
		pending = next
		if !progressed {
			return fmt.Errorf("crdt: snapshot ops stuck waiting on a missing left origin")
		}
	}
	return nil
}

const fieldLWWMapOp = 1 // repeated LWWOp

// MarshalLWWMap encodes m's full state as a replayable op snapshot —
// the same shape MarshalACL uses, exposed standalone for callers (the
// account-root projection) that hold a bare LWWMap rather than a full
// ACLDoc/ContentDoc.
func MarshalLWWMap(m *LWWMap) []byte {
	var b []byte
	for _, op := range m.Snapshot() {
		b = protowire.AppendTag(b, fieldLWWMapOp, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLWWOp(op))
	}
	return b
}

// MergeLWWMap applies every op in a snapshot produced by MarshalLWWMap
// onto m in place.
func MergeLWWMap(m *LWWMap, data []byte) error {
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		if num != fieldLWWMapOp {
			return nil
		}
		op, err := unmarshalLWWOp(v)
		if err != nil {
			return err
		}
		m.Apply(op)
		return nil
	})
	if err != nil {
		return fmt.Errorf("crdt: merge lwwmap: %w", err)
	}
	return nil
}

const fieldACLOp = 1 // repeated LWWOp

// MarshalACL encodes a's full state as a replayable op snapshot.
func MarshalACL(a *ACLDoc) []byte {
	var b []byte
	for _, op := range a.fields.Snapshot() {
		b = protowire.AppendTag(b, fieldACLOp, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalLWWOp(op))
	}
	return b
}

// UnmarshalACL rebuilds an ACLDoc owned locally by client.
func UnmarshalACL(client ClientID, data []byte) (*ACLDoc, error) {
	a := NewACLDoc(client)
	if err := MergeACL(a, data); err != nil {
		return nil, err
	}
	return a, nil
}

// MergeACL applies every op in a snapshot produced by MarshalACL onto
// a in place — see MergeContent's doc comment.
func MergeACL(a *ACLDoc, data []byte) error {
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		if num != fieldACLOp {
			return nil
		}
		op, err := unmarshalLWWOp(v)
		if err != nil {
			return err
		}
		a.Apply(op)
		return nil
	})
	if err != nil {
		return fmt.Errorf("crdt: merge acl: %w", err)
	}
	return nil
}

// walkFields decodes every top-level field in data, handing the
// caller bytes payloads raw and varint payloads decoded.
func walkFields(data []byte, fn func(num protowire.Number, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return fmt.Errorf("crdt: invalid tag: %w", protowire.ParseError(tagLen))
		}
		data = data[tagLen:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("crdt: invalid varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, nil, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("crdt: invalid bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, v, 0); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("crdt: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
