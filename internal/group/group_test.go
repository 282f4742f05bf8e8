package group_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/group"
)

func TestCreateAndExportDocumentSecret(t *testing.T) {
	keys, err := group.GenerateKeyPair()
	require.NoError(t, err)

	g, welcome, err := group.Create("acc-1", "chain-hash-0", "device-a", group.CiphersuiteX25519AESGCMSHA256Ed25519, keys)
	require.NoError(t, err)
	require.Equal(t, uint64(0), welcome.Epoch)
	require.Equal(t, []string{"device-a"}, g.Members())

	now := time.Unix(1700000000, 0)
	secret := g.ExportDocumentSecret(now, 24*time.Hour)
	require.Len(t, secret.Key, 32)
	require.True(t, secret.Active(now))
	require.False(t, secret.Active(now.Add(25*time.Hour)))
}

func TestProposeAddAndProcessWelcome(t *testing.T) {
	keysA, err := group.GenerateKeyPair()
	require.NoError(t, err)
	keysB, err := group.GenerateKeyPair()
	require.NoError(t, err)

	gA, _, err := group.Create("acc-1", "chain-hash-0", "device-a", group.CiphersuiteX25519AESGCMSHA256Ed25519, keysA)
	require.NoError(t, err)

	kpB := group.BuildKeyPackage("device-b", group.CiphersuiteX25519AESGCMSHA256Ed25519, keysB)
	commit, welcome, err := gA.ProposeAdd(kpB)
	require.NoError(t, err)
	require.Equal(t, uint64(1), commit.Epoch)

	gB, err := group.ProcessWelcome(welcome, "device-b", keysB.SigPriv)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"device-a", "device-b"}, gB.Members())
	require.Equal(t, gA.Epoch(), gB.Epoch())

	secretA := gA.ExportDocumentSecret(time.Unix(0, 0), time.Hour)
	secretB := gB.ExportDocumentSecret(time.Unix(0, 0), time.Hour)
	require.Equal(t, secretA.Key, secretB.Key)
	require.Equal(t, secretA.ID, secretB.ID)
}

func TestProposeRemoveCannotRemoveSelf(t *testing.T) {
	keysA, err := group.GenerateKeyPair()
	require.NoError(t, err)
	g, _, err := group.Create("acc-1", "chain-hash-0", "device-a", group.CiphersuiteX25519AESGCMSHA256Ed25519, keysA)
	require.NoError(t, err)

	_, err = g.ProposeRemove("device-a")
	require.ErrorIs(t, err, group.ErrRemoveSelf)
}

func TestApplyCommitOutOfOrderIsQueuedThenDrained(t *testing.T) {
	keysA, err := group.GenerateKeyPair()
	require.NoError(t, err)
	keysB, err := group.GenerateKeyPair()
	require.NoError(t, err)
	keysC, err := group.GenerateKeyPair()
	require.NoError(t, err)
	keysD, err := group.GenerateKeyPair()
	require.NoError(t, err)

	gA, _, err := group.Create("acc-1", "chain-hash-0", "device-a", group.CiphersuiteX25519AESGCMSHA256Ed25519, keysA)
	require.NoError(t, err)

	kpB := group.BuildKeyPackage("device-b", group.CiphersuiteX25519AESGCMSHA256Ed25519, keysB)
	_, welcome1, err := gA.ProposeAdd(kpB)
	require.NoError(t, err)

	kpC := group.BuildKeyPackage("device-c", group.CiphersuiteX25519AESGCMSHA256Ed25519, keysC)
	commit2, _, err := gA.ProposeAdd(kpC)
	require.NoError(t, err)

	kpD := group.BuildKeyPackage("device-d", group.CiphersuiteX25519AESGCMSHA256Ed25519, keysD)
	commit3, _, err := gA.ProposeAdd(kpD)
	require.NoError(t, err)

	gB, err := group.ProcessWelcome(welcome1, "device-b", keysB.SigPriv)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gB.Epoch())

	// gB joined at epoch 1. Deliver the epoch-3 commit before epoch-2:
	// it must be rejected as out of order and queued, not silently
	// misapplied.
	err = gB.ApplyCommit(commit3)
	require.ErrorIs(t, err, group.ErrOutOfOrderCommit)
	require.Equal(t, uint64(1), gB.Epoch())

	require.NoError(t, gB.ApplyCommit(commit2))
	require.Equal(t, uint64(3), gB.Epoch())
	require.ElementsMatch(t, []string{"device-a", "device-b", "device-c", "device-d"}, gB.Members())
}

func TestRekeyAdvancesEpochOnChainAdvance(t *testing.T) {
	keys, err := group.GenerateKeyPair()
	require.NoError(t, err)
	g, _, err := group.Create("acc-1", "chain-hash-0", "device-a", group.CiphersuiteX25519AESGCMSHA256Ed25519, keys)
	require.NoError(t, err)

	commit := g.Rekey("chain-hash-1")
	require.Equal(t, uint64(1), commit.Epoch)
	require.Equal(t, "chain-hash-1", g.ChainHash())
}
