package blob_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/blob"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
)

type memPresigner struct {
	store map[string][]byte
}

func (p *memPresigner) PresignUpload(ctx context.Context, blobID string, contentLength int64) (string, error) {
	return "mem://" + blobID, nil
}

func (p *memPresigner) PresignDownload(ctx context.Context, blobID, deviceID, docID string) (string, error) {
	return "mem://" + blobID, nil
}

type memTransport struct {
	store map[string][]byte
}

func (t *memTransport) Put(ctx context.Context, url string, contentLength int64, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != contentLength {
		return io.ErrShortWrite
	}
	t.store[url] = data
	return nil
}

func (t *memTransport) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	data, ok := t.store[url]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := make(map[string][]byte)
	presigner := &memPresigner{store: store}
	transport := &memTransport{store: store}

	key, err := icrypto.GenerateKey()
	require.NoError(t, err)

	plaintext := make([]byte, 50000)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	res, err := blob.Upload(ctx, presigner, transport, "blob-1", key, bytes.NewReader(plaintext), int64(len(plaintext)))
	require.NoError(t, err)
	require.Equal(t, icrypto.Checksum(plaintext), res.Checksum)

	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "out.bin")
	ciphertextLen := blob.ContentLength(int64(len(plaintext)))

	err = blob.Download(ctx, presigner, transport, "blob-1", "dev-1", "doc-1", key, res.Checksum, ciphertextLen, destPath)
	require.NoError(t, err)

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestUploadRejectsOversizedBlob(t *testing.T) {
	ctx := context.Background()
	store := make(map[string][]byte)
	presigner := &memPresigner{store: store}
	transport := &memTransport{store: store}
	key, _ := icrypto.GenerateKey()

	_, err := blob.Upload(ctx, presigner, transport, "blob-1", key, bytes.NewReader(nil), blob.MaxSize+1)
	require.ErrorIs(t, err, apperr.ErrBlobTooBig)
}

func TestDownloadDetectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	store := make(map[string][]byte)
	presigner := &memPresigner{store: store}
	transport := &memTransport{store: store}

	key, _ := icrypto.GenerateKey()
	plaintext := []byte("hello world, this is a small file")
	res, err := blob.Upload(ctx, presigner, transport, "blob-1", key, bytes.NewReader(plaintext), int64(len(plaintext)))
	require.NoError(t, err)

	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "out.bin")
	ciphertextLen := blob.ContentLength(int64(len(plaintext)))

	err = blob.Download(ctx, presigner, transport, "blob-1", "dev-1", "doc-1", key, "wrong-checksum-entirely", ciphertextLen, destPath)
	require.Error(t, err)
	_ = res

	_, statErr := os.Stat(destPath)
	require.True(t, os.IsNotExist(statErr), "mismatched download must not leave a file at destPath")
}
