package docstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/docstore"
)

func TestCardFileSetGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	card.SetFile("blob-1", docstore.CardFile{
		DeviceID: "dev-1",
		Name:     "photo.jpg",
		Checksum: "deadbeef",
		Size:     4096,
		SecretID: "secret-1",
	})
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	loaded, err := s.Load(ctx, "card-1")
	require.NoError(t, err)

	f, ok := loaded.File("blob-1")
	require.True(t, ok)
	require.Equal(t, "dev-1", f.DeviceID)
	require.Equal(t, "photo.jpg", f.Name)
	require.Equal(t, "deadbeef", f.Checksum)
	require.Equal(t, int64(4096), f.Size)
	require.Equal(t, "secret-1", f.SecretID)

	files := loaded.Files()
	require.Len(t, files, 1)
	require.Contains(t, files, "blob-1")
}

func TestCardFileRemoveTombstones(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	card.SetFile("blob-1", docstore.CardFile{DeviceID: "dev-1", Name: "a", Checksum: "c", Size: 1, SecretID: "secret-1"})
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	card.RemoveFile("blob-1")
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	loaded, err := s.Load(ctx, "card-1")
	require.NoError(t, err)
	_, ok := loaded.File("blob-1")
	require.False(t, ok)
	require.Empty(t, loaded.Files())
}
