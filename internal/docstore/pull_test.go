package docstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/events"
	iclock "github.com/inkline-dev/inkline/pkg/clock"
)

type fakeFetcher struct {
	payloads [][]byte
}

func (f *fakeFetcher) FetchDocs(ctx context.Context, clock map[string]uint64) ([][]byte, error) {
	return f.payloads, nil
}

// sharedMembers lets two docstore.Store instances (simulating two
// devices on the same account) verify each other's signatures, the
// way a real chain-backed MemberVerifier would once both devices are
// members.
type sharedMembers struct {
	keys map[string][]byte // deviceID -> public key
}

func (m *sharedMembers) SigningKeyFor(ctx context.Context, deviceID string) ([]byte, string, error) {
	return m.keys[deviceID], "acc-1", nil
}

func TestPullMergesRemoteWriteWithoutDiscardingLocalEdits(t *testing.T) {
	ctx := context.Background()

	dbA := openTestDB(t)
	dbB := openTestDB(t)

	secrets := newFakeSecrets(t)
	pairA, err := icrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	pairB, err := icrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	members := &sharedMembers{keys: map[string][]byte{
		"dev-a": pairA.Public,
		"dev-b": pairB.Public,
	}}

	deviceA := docstore.New(dbA, "dev-a", secrets, members, icrypto.NewEd25519Signer(pairA.Private), iclock.NewReal())
	deviceB := docstore.New(dbB, "dev-b", secrets, members, icrypto.NewEd25519Signer(pairB.Private), iclock.NewReal())

	// Device A writes a card locally and does NOT push it anywhere —
	// this is the "unsynced local edit" Pull must never discard.
	cardA := deviceA.NewCard("card-1", docstore.SchemaCardV1)
	blockA := cardA.Doc.Content.Block("body")
	opA := blockA.InsertAtOffset(0, 'A')
	require.NoError(t, blockA.Apply(opA))
	require.NoError(t, deviceA.Save(ctx, cardA, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	// Device B writes its own card under the same id and pushes it
	// (simulated directly as a fetched payload for device A to pull).
	cardB := deviceB.NewCard("card-1", docstore.SchemaCardV1)
	blockB := cardB.Doc.Content.Block("other")
	opB := blockB.InsertAtOffset(0, 'B')
	require.NoError(t, blockB.Apply(opB))
	require.NoError(t, deviceB.Save(ctx, cardB, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	queued, err := dbB.PushDocsBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	bus := events.New()
	sub := bus.Subscribe(4)

	fetcher := &fakeFetcher{payloads: [][]byte{queued[0].Message}}
	changed, err := deviceA.Pull(ctx, fetcher, bus)
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	select {
	case ev := <-sub:
		require.Equal(t, events.DocUpdated, ev.Type)
		require.Equal(t, "card-1", ev.Payload)
	default:
		t.Fatal("expected a DocUpdated event")
	}

	merged, err := deviceA.Load(ctx, "card-1")
	require.NoError(t, err)
	require.Equal(t, "A", merged.Doc.Content.Block("body").Text())
	require.Equal(t, "B", merged.Doc.Content.Block("other").Text())
}

func TestPullAccountRootChangeRecordsNotification(t *testing.T) {
	ctx := context.Background()

	dbA := openTestDB(t)
	dbB := openTestDB(t)

	secrets := newFakeSecrets(t)
	pairA, err := icrypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	pairB, err := icrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	members := &sharedMembers{keys: map[string][]byte{
		"dev-a": pairA.Public,
		"dev-b": pairB.Public,
	}}

	deviceA := docstore.New(dbA, "dev-a", secrets, members, icrypto.NewEd25519Signer(pairA.Private), iclock.NewReal())
	deviceB := docstore.New(dbB, "dev-b", secrets, members, icrypto.NewEd25519Signer(pairB.Private), iclock.NewReal())

	root := deviceB.NewCard("account-1", docstore.SchemaAccountRoot)
	require.NoError(t, deviceB.Save(ctx, root, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	queued, err := dbB.PushDocsBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	bus := events.New()
	sub := bus.Subscribe(4)

	changed, err := deviceA.Pull(ctx, &fakeFetcher{payloads: [][]byte{queued[0].Message}}, bus)
	require.NoError(t, err)
	require.Equal(t, 1, changed)

	sawDocUpdated, sawNotification := false, false
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.DocUpdated:
				sawDocUpdated = true
			case events.NotificationsUpdated:
				sawNotification = true
			}
		default:
			t.Fatal("expected both a DocUpdated and a NotificationsUpdated event")
		}
	}
	require.True(t, sawDocUpdated)
	require.True(t, sawNotification)

	unread, err := dbA.UnreadNotifications(ctx)
	require.NoError(t, err)
	require.Len(t, unread, 1)
}

func TestPullRejectsPayloadWithBadSignature(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, members := newDevice(t, db, "dev-1")

	other, err := icrypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))
	queued, err := db.PushDocsBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	// Swap the key the verifier checks signatures against so the
	// queued payload, signed for "dev-1", no longer verifies.
	members.public = other.Public

	bus := events.New()
	_, err = s.Pull(ctx, &fakeFetcher{payloads: [][]byte{queued[0].Message}}, bus)
	require.Error(t, err)
}
