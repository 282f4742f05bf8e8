// Package crdt implements the operation-based CRDTs behind a card's
// content and ACL sub-documents: an RGA sequence for text, and a
// last-writer-wins register map for everything keyed (files, labels,
// checklist items, ACL grants). Both operate over stable per-device
// client ids and Lamport-style counters so merges are commutative,
// associative and idempotent regardless of delivery order.
package crdt

import "github.com/cespare/xxhash/v2"

// ClientID is a stable per-device identifier scoped to one CRDT
// document. It must fit in 32 bits (spec.md §3: "client ids are u32")
// so operation ids stay compact on the wire.
type ClientID uint32

// DeriveClientID hashes a device id string down to a u32. Collisions
// across the (small) set of devices sharing one document are
// vanishingly unlikely and are in any case no worse than the
// original's own choice of a 32-bit hash for the same purpose.
func DeriveClientID(deviceID string) ClientID {
	return ClientID(uint32(xxhash.Sum64String(deviceID)))
}
