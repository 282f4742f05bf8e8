// Package blob implements the streamed upload/download pipeline for
// file attachments: plaintext checksum, per-blob content key, the
// BE32 streaming AEAD frame codec, and the checksum-verify-then-rename
// dance on download (spec.md §4.4).
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/inkline-dev/inkline/internal/apperr"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
)

// MaxSize is the largest plaintext blob the relay will accept
// (spec.md §6 object-store contract: "maximum blob size 20 MiB").
const MaxSize = 20 * 1024 * 1024

// Presigner issues short-lived presigned URLs for a blob upload or
// download. Implemented by internal/relay's client-facing HTTP calls;
// kept as an interface here so this package stays transport-agnostic.
type Presigner interface {
	PresignUpload(ctx context.Context, blobID string, contentLength int64) (url string, err error)
	PresignDownload(ctx context.Context, blobID, deviceID, docID string) (url string, err error)
}

// Transport performs the actual HTTP PUT/GET against a presigned URL.
// Swappable for tests.
type Transport interface {
	Put(ctx context.Context, url string, contentLength int64, body io.Reader) error
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// ContentLength computes the exact ciphertext length the relay must
// presign a PUT for (spec.md §4.4 step 3): pre-declaring this prevents
// padding attacks since the relay enforces an exact Content-Length.
func ContentLength(plaintextSize int64) int64 {
	return icrypto.StreamContentLength(plaintextSize)
}

// UploadResult summarizes a completed upload.
type UploadResult struct {
	BlobID   string
	Checksum string
	Size     int64
}

// Upload streams plaintextSize bytes from r through the BE32 frame
// codec directly into an HTTP PUT against a presigned URL, returning
// the blob's plaintext checksum once the stream completes.
func Upload(ctx context.Context, presigner Presigner, transport Transport, blobID string, key []byte, r io.Reader, plaintextSize int64) (UploadResult, error) {
	if plaintextSize > MaxSize {
		return UploadResult{}, fmt.Errorf("%w: %d bytes", apperr.ErrBlobTooBig, plaintextSize)
	}

	checksumWriter := icrypto.NewChecksumWriter()
	teed := io.TeeReader(r, checksumWriter)

	// The checksum is only final once the whole plaintext has been
	// read, but the stream nonce prefix is derived from it — so we
	// buffer the plaintext once here. Blobs are capped at MaxSize
	// (20 MiB), a bounded and acceptable buffering cost.
	buf := make([]byte, plaintextSize)
	if _, err := io.ReadFull(teed, buf); err != nil && err != io.EOF {
		return UploadResult{}, fmt.Errorf("blob: read plaintext: %w", err)
	}
	checksum := checksumWriter.Sum()

	enc, err := icrypto.NewStreamEncryptor(key, checksum)
	if err != nil {
		return UploadResult{}, fmt.Errorf("blob: new stream encryptor: %w", err)
	}

	contentLength := ContentLength(plaintextSize)
	url, err := presigner.PresignUpload(ctx, blobID, contentLength)
	if err != nil {
		return UploadResult{}, fmt.Errorf("blob: presign upload: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, encErr := icrypto.EncryptStreamSized(pw, bytesReader(buf), enc, plaintextSize)
		pw.CloseWithError(encErr)
	}()

	if err := transport.Put(ctx, url, contentLength, pr); err != nil {
		return UploadResult{}, fmt.Errorf("blob: put upload: %w", err)
	}

	return UploadResult{BlobID: blobID, Checksum: checksum, Size: plaintextSize}, nil
}

// Download streams a blob from a presigned GET URL, decrypting frame
// by frame into destPath. It verifies the recomputed plaintext
// checksum against wantChecksum before the temp file is renamed into
// place (spec.md §4.4 step 4): a mismatch deletes the temp file and
// fails ErrChecksumMismatch, leaving destPath untouched.
func Download(ctx context.Context, presigner Presigner, transport Transport, blobID, deviceID, docID string, key []byte, wantChecksum string, ciphertextLen int64, destPath string) error {
	url, err := presigner.PresignDownload(ctx, blobID, deviceID, docID)
	if err != nil {
		return fmt.Errorf("blob: presign download: %w", err)
	}
	body, err := transport.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("blob: get download: %w", err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("blob: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	dec, err := icrypto.NewStreamDecryptor(key, wantChecksum)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("blob: new stream decryptor: %w", err)
	}

	checksumWriter := icrypto.NewChecksumWriter()
	teed := io.MultiWriter(tmp, checksumWriter)
	if err := icrypto.DecryptStream(teed, body, dec, ciphertextLen); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: decrypt stream: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: close temp file: %w", err)
	}

	if checksumWriter.Sum() != wantChecksum {
		return apperr.ErrChecksumMismatch
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("blob: rename into place: %w", err)
	}
	return nil
}

func bytesReader(b []byte) io.Reader {
	return &sliceReader{data: b}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
