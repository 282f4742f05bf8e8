package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/wire"
)

func TestKeyPackageRoundTrip(t *testing.T) {
	k := wire.KeyPackage{
		DeviceID:    "dev-1",
		Ciphersuite: 1,
		SigPub:      []byte{1, 2, 3},
		InitPub:     []byte{4, 5, 6},
	}
	got, err := wire.UnmarshalKeyPackage(k.Marshal())
	require.NoError(t, err)
	require.Equal(t, k, got)
}

func TestDocPayloadRoundTrip(t *testing.T) {
	d := wire.DocPayload{
		ID:                "doc-1",
		Counter:           42,
		AuthorDeviceID:    "dev-1",
		Schema:            1,
		ContentCiphertext: []byte("content"),
		ACLCiphertext:     []byte("acl"),
		SecretID:          "secret-1",
		AuthorSignature:   []byte("sig"),
		Participants:      []string{"acc-1", "acc-2"},
	}
	got, err := wire.UnmarshalDocPayload(d.Marshal())
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestPresignUploadRoundTrip(t *testing.T) {
	p := wire.PresignUpload{BlobID: "blob-1", SizeBytes: 50000}
	got, err := wire.UnmarshalPresignUpload(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestPresignDownloadRoundTrip(t *testing.T) {
	p := wire.PresignDownload{BlobID: "blob-1", DeviceID: "dev-1", DocID: "doc-1"}
	got, err := wire.UnmarshalPresignDownload(p.Marshal())
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDeviceVectorClockRoundTrip(t *testing.T) {
	c := wire.DeviceVectorClock{Counters: map[string]uint64{"dev-1": 3, "dev-2": 9}}
	got, err := wire.UnmarshalDeviceVectorClock(c.Marshal())
	require.NoError(t, err)
	require.Equal(t, c.Counters, got.Counters)
}

func TestPushMailboxRoundTrip(t *testing.T) {
	m := wire.PushMailbox{ID: "m-1", Message: []byte("hi"), CreatedAtSec: 1700000000, CreatedAtNano: 123}
	got, err := wire.UnmarshalPushMailbox(m.Marshal())
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestUnmarshalRejectsTruncatedData(t *testing.T) {
	d := wire.DocPayload{ID: "doc-1", ContentCiphertext: []byte("content")}
	data := d.Marshal()
	_, err := wire.UnmarshalDocPayload(data[:len(data)-1])
	require.Error(t, err)
}
