package crdt_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/crdt"
)

func TestRGAConvergesUnderConcurrentInsert(t *testing.T) {
	a := crdt.NewRGA(crdt.ClientID(1))
	opA := a.InsertAtOffset(0, 'X')

	b := crdt.NewRGA(crdt.ClientID(2))
	opB := b.InsertAtOffset(0, 'Y')

	require.NoError(t, a.Apply(opB))
	require.NoError(t, b.Apply(opA))

	require.Equal(t, a.Text(), b.Text())
	require.Len(t, a.Text(), 2)
}

func TestRGADeleteIsIdempotent(t *testing.T) {
	r := crdt.NewRGA(crdt.ClientID(1))
	op := r.InsertAtOffset(0, 'A')
	del, ok := r.DeleteAtOffset(0)
	require.True(t, ok)

	require.NoError(t, r.Apply(del))
	require.NoError(t, r.Apply(del))
	require.Equal(t, "", r.Text())
	require.NotEqual(t, crdt.Op{}, op)
}

// TestRGAMergeIsOrderIndependent applies the same insertion ops to two
// replicas in different (causally-valid) orders and checks they land
// on identical text — the commutativity property spec.md §4.3 relies
// on for safe repeated delivery.
func TestRGAMergeIsOrderIndependent(t *testing.T) {
	base := crdt.NewRGA(crdt.ClientID(1))
	var ops []crdt.Op
	for _, r := range "hello" {
		ops = append(ops, base.InsertAtOffset(base.Len(), r))
	}

	replicaA := crdt.NewRGA(crdt.ClientID(9))
	for _, op := range ops {
		require.NoError(t, replicaA.Apply(op))
	}

	replicaB := crdt.NewRGA(crdt.ClientID(9))
	shuffled := append([]crdt.Op(nil), ops...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	require.NoError(t, applyUntilComplete(replicaB, shuffled))

	require.Equal(t, base.Text(), replicaA.Text())
	require.Equal(t, replicaA.Text(), replicaB.Text())
}

// applyUntilComplete integrates ops that arrived out of causal order:
// an insert whose left-origin hasn't landed yet is retried once its
// dependency has been applied.
func applyUntilComplete(r *crdt.RGA, ops []crdt.Op) error {
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
			return errStuck
		}
	}
	return nil
}

var errStuck = errors.New("crdt: ops stuck waiting on a missing left origin")

func TestLWWMapLastWriteWins(t *testing.T) {
	a := crdt.NewLWWMap(crdt.ClientID(1))
	b := crdt.NewLWWMap(crdt.ClientID(2))

	opA := a.Set("k", []byte("from-a"))
	opB := b.Set("k", []byte("from-b"))

	a.Apply(opB)
	b.Apply(opA)

	va, _ := a.Get("k")
	vb, _ := b.Get("k")
	require.Equal(t, va, vb)
}

func TestLWWMapDeleteWins(t *testing.T) {
	m := crdt.NewLWWMap(crdt.ClientID(1))
	m.Set("k", []byte("v"))
	del := m.Delete("k")
	m.Apply(del)

	_, ok := m.Get("k")
	require.False(t, ok)
}

func TestACLDocGrantRevokeAndBin(t *testing.T) {
	acl := crdt.NewACLDoc(crdt.ClientID(1))
	acl.Grant("acc-1", crdt.RightsAdmin|crdt.RightsWrite|crdt.RightsRead)
	acl.Grant("acc-2", crdt.RightsRead)

	r, ok := acl.RightsOf("acc-1")
	require.True(t, ok)
	require.True(t, r.Has(crdt.RightsAdmin))

	require.ElementsMatch(t, []string{"acc-1"}, acl.Admins())

	acl.Revoke("acc-2")
	_, ok = acl.RightsOf("acc-2")
	require.False(t, ok)

	acl.MoveToBin(1700000000)
	at, ok := acl.BinnedAt()
	require.True(t, ok)
	require.Equal(t, int64(1700000000), at)

	acl.RestoreFromBin()
	_, ok = acl.BinnedAt()
	require.False(t, ok)
}

func TestDocumentContentBlocksAreIndependent(t *testing.T) {
	doc := crdt.NewDocument(crdt.ClientID(1))
	title := doc.Content.Block("title")
	body := doc.Content.Block("body")

	title.InsertAtOffset(0, 'H')
	body.InsertAtOffset(0, 'W')

	require.Equal(t, "H", title.Text())
	require.Equal(t, "W", body.Text())
	require.ElementsMatch(t, []string{"title", "body"}, doc.Content.BlockIDs())
}
