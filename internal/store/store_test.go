package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	key, err := icrypto.GenerateKey()
	require.NoError(t, err)
	db, err := store.Open(context.Background(), ":memory:", key)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeviceSettingsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.PutDeviceSettings(ctx, store.DeviceSettings{DeviceID: "dev-1", DeviceName: "laptop"})
	require.NoError(t, err)

	got, err := db.DeviceSettingsFor(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, "laptop", got.DeviceName)
	require.Equal(t, "", got.AccountID)

	err = db.PutDeviceSettings(ctx, store.DeviceSettings{DeviceID: "dev-1", DeviceName: "laptop", AccountID: "acc-1"})
	require.NoError(t, err)
	got, err = db.DeviceSettingsFor(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, "acc-1", got.AccountID)
}

func TestVectorClockOnlyMovesForward(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.AdvanceVectorClock(ctx, "dev-1", 5))
	counter, ok, err := db.VectorClockCounter(ctx, "dev-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), counter)

	require.NoError(t, db.AdvanceVectorClock(ctx, "dev-1", 3))
	counter, _, err = db.VectorClockCounter(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), counter, "clock must never move backward")

	require.NoError(t, db.AdvanceVectorClock(ctx, "dev-1", 9))
	counter, _, err = db.VectorClockCounter(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, uint64(9), counter)
}

func TestSecretStorageRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	key, err := icrypto.GenerateKey()
	require.NoError(t, err)
	s := store.StoredSecret{
		ID:           "secret-1",
		AccountsHash: "hash-1",
		AccountIDs:   []string{"acc-1", "acc-2"},
		Algorithm:    0,
		CreatedAt:    now,
		ObsoleteAt:   now.Add(24 * time.Hour),
	}
	require.NoError(t, db.PutSecret(ctx, s, key))

	got, err := db.GetSecretKey(ctx, "secret-1")
	require.NoError(t, err)
	require.Equal(t, key, got)

	list, err := db.SecretsForAccountsHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.ElementsMatch(t, []string{"acc-1", "acc-2"}, list[0].AccountIDs)
}

func TestSecretTombstoneThenPurge(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	key, _ := icrypto.GenerateKey()
	require.NoError(t, db.PutSecret(ctx, store.StoredSecret{
		ID: "secret-1", AccountsHash: "hash-1", AccountIDs: []string{"acc-1"},
		CreatedAt: now, ObsoleteAt: now.Add(time.Hour),
	}, key))

	require.NoError(t, db.TombstoneSecret(ctx, "secret-1", now))

	n, err := db.PurgeTombstonedSecretsBefore(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "not yet past cutoff")

	n, err = db.PurgeTombstonedSecretsBefore(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = db.GetSecretKey(ctx, "secret-1")
	require.Error(t, err)
}

func TestDocumentPushQueueFIFO(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, db.EnqueuePushDoc(ctx, []byte("first"), now))
	require.NoError(t, db.EnqueuePushDoc(ctx, []byte("second"), now.Add(time.Second)))

	batch, err := db.PushDocsBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, "first", string(batch[0].Message))

	require.NoError(t, db.DequeuePushDoc(ctx, batch[0].ID))
	batch, err = db.PushDocsBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "second", string(batch[0].Message))
}

func TestMailboxPushIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, db.EnqueuePushMailbox(ctx, "msg-1", []byte("hello"), now))
	require.NoError(t, db.EnqueuePushMailbox(ctx, "msg-1", []byte("hello-again"), now))

	batch, err := db.PushMailboxBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "hello", string(batch[0].Message))
}

func TestGroupStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutGroupState(ctx, "acc-1", "chain-hash-0", 3, []byte("serialized-state"), []byte("hash-1")))
	state, epoch, err := db.GetGroupState(ctx, "acc-1", "chain-hash-0")
	require.NoError(t, err)
	require.Equal(t, uint64(3), epoch)
	require.Equal(t, "serialized-state", string(state))
}

func TestDocumentAndSearchIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	require.NoError(t, db.PutDocument(ctx, store.StoredDocument{
		ID: "doc-1", Schema: 1, ContentCiphertext: []byte("ct"), ACLCiphertext: []byte("acl"),
		SecretID: "secret-1", AuthorDeviceID: "dev-1", Counter: 1, CreatedAt: now, EditedAt: now,
	}))
	require.NoError(t, db.IndexCardText(ctx, "doc-1", "hello world", "bolik-all"))

	ids, err := db.SearchCards(ctx, "hello")
	require.NoError(t, err)
	require.Contains(t, ids, "doc-1")

	require.NoError(t, db.DeleteDocument(ctx, "doc-1"))
	_, err = db.GetDocument(ctx, "doc-1")
	require.Error(t, err)
}
