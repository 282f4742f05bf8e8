package docstore_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/crdt"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/store"
	"github.com/inkline-dev/inkline/pkg/clock"
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

// fakeSecrets is a single-secret SecretSource: every account set
// shares one active key, good enough to exercise docstore's
// encrypt/decrypt path without standing up internal/group.
type fakeSecrets struct {
	id  string
	key []byte
}

func newFakeSecrets(t *testing.T) *fakeSecrets {
	t.Helper()
	key, err := icrypto.GenerateKey()
	require.NoError(t, err)
	return &fakeSecrets{id: "secret-1", key: key}
}

func (f *fakeSecrets) ActiveSecret(ctx context.Context, accountIDs []string) (docstore.Secret, error) {
	return docstore.Secret{ID: f.id, Key: f.key}, nil
}

func (f *fakeSecrets) SecretByID(ctx context.Context, id string) (docstore.Secret, error) {
	if id != f.id {
		return docstore.Secret{}, store.ErrNotFound
	}
	return docstore.Secret{ID: f.id, Key: f.key}, nil
}

func (f *fakeSecrets) SecretsForAccounts(ctx context.Context, accountIDs []string) ([]docstore.Secret, error) {
	return []docstore.Secret{{ID: f.id, Key: f.key}}, nil
}

// fakeMembers resolves every device to one shared signing key, enough
// to exercise signature verification without a real chain.
type fakeMembers struct {
	accountID string
	public    ed25519.PublicKey
}

func (f *fakeMembers) SigningKeyFor(ctx context.Context, deviceID string) ([]byte, string, error) {
	return f.public, f.accountID, nil
}

func newDevice(t *testing.T, db *store.DB, deviceID string) (*docstore.Store, *fakeMembers) {
	t.Helper()
	pair, err := icrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	members := &fakeMembers{accountID: "acc-1", public: pair.Public}
	s := docstore.New(db, deviceID, newFakeSecrets(t), members, icrypto.NewEd25519Signer(pair.Private), clock.NewReal())
	return s, members
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	block := card.Doc.Content.Block("body")
	op := block.InsertAtOffset(0, 'h')
	require.NoError(t, block.Apply(op))
	card.Doc.ACL.Grant("acc-1", crdt.RightsAdmin)

	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	loaded, err := s.Load(ctx, "card-1")
	require.NoError(t, err)
	require.Equal(t, "h", loaded.Doc.Content.Block("body").Text())
	require.Equal(t, uint64(1), loaded.Counter)
	require.Equal(t, "dev-1", loaded.AuthorDeviceID)
}

func TestSaveAdvancesLocalCounterAcrossWrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	for i := 0; i < 3; i++ {
		card := s.NewCard("card-1", docstore.SchemaCardV1)
		require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))
	}

	loaded, err := s.Load(ctx, "card-1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), loaded.Counter)
}

func TestMoveToBinAndRestore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	require.NoError(t, s.MoveToBin(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))
	_, binned := card.Doc.ACL.BinnedAt()
	require.True(t, binned)

	restored, err := s.RestoreFromBin(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}})
	require.NoError(t, err)
	require.NotEqual(t, card.ID, restored.ID)
	_, binned = restored.Doc.ACL.BinnedAt()
	require.False(t, binned)

	_, err = s.Load(ctx, card.ID)
	require.Error(t, err)

	reloaded, err := s.Load(ctx, restored.ID)
	require.NoError(t, err)
	_, binned = reloaded.Doc.ACL.BinnedAt()
	require.False(t, binned)
}
