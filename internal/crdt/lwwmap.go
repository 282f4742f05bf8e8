package crdt

// LWWOp is a single last-writer-wins assignment, broadcast between
// devices the same way an RGA Op is.
type LWWOp struct {
	Key       string
	Value     []byte
	Tombstone bool
	ID        OpID
}

type lwwEntry struct {
	value     []byte
	id        OpID
	tombstone bool
}

// LWWMap is a last-writer-wins register map: every key holds whichever
// write carries the greatest OpID, regardless of delivery order. Used
// for a card's ACL sub-document (key = member account id, value =
// role), file attachments, labels and checklist items — anything
// keyed rather than sequential.
type LWWMap struct {
	client  ClientID
	clock   uint64
	entries map[string]lwwEntry
}

// NewLWWMap returns an empty map owned locally by client.
func NewLWWMap(client ClientID) *LWWMap {
	return &LWWMap{client: client, entries: make(map[string]lwwEntry)}
}

func (m *LWWMap) nextID() OpID {
	m.clock++
	return OpID{Counter: m.clock, Client: m.client}
}

// Set creates and applies a local write, returning the Op to broadcast.
func (m *LWWMap) Set(key string, value []byte) LWWOp {
	op := LWWOp{Key: key, Value: value, ID: m.nextID()}
	m.Apply(op)
	return op
}

// Delete tombstones key locally and returns the Op to broadcast.
func (m *LWWMap) Delete(key string) LWWOp {
	op := LWWOp{Key: key, Tombstone: true, ID: m.nextID()}
	m.Apply(op)
	return op
}

// Apply integrates a remote (or local) op. Idempotent and commutative:
// whichever op carries the greater OpID for a key wins, so replaying
// ops in any order converges to the same state.
func (m *LWWMap) Apply(op LWWOp) {
	if op.ID.Counter > m.clock {
		m.clock = op.ID.Counter
	}
	current, exists := m.entries[op.Key]
	if exists && !current.id.less(op.ID) {
		return
	}
	m.entries[op.Key] = lwwEntry{value: op.Value, id: op.ID, tombstone: op.Tombstone}
}

// Get returns a key's live value, or ok=false if absent or tombstoned.
func (m *LWWMap) Get(key string) ([]byte, bool) {
	e, ok := m.entries[key]
	if !ok || e.tombstone {
		return nil, false
	}
	return e.value, true
}

// Keys returns every live (non-tombstoned) key, in no particular order.
func (m *LWWMap) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.tombstone {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns every entry (including tombstones) as the LWWOp
// that currently wins it, the unit a caller serializes to reconstruct
// m's full state — including deletions — on a blank replica.
func (m *LWWMap) Snapshot() []LWWOp {
	ops := make([]LWWOp, 0, len(m.entries))
	for k, e := range m.entries {
		ops = append(ops, LWWOp{Key: k, Value: e.value, Tombstone: e.tombstone, ID: e.id})
	}
	return ops
}

// All snapshots every live key/value pair.
func (m *LWWMap) All() map[string][]byte {
	out := make(map[string][]byte, len(m.entries))
	for k, e := range m.entries {
		if !e.tombstone {
			out[k] = e.value
		}
	}
	return out
}
