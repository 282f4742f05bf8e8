// Package crypto collects the primitives layer: AEAD (ChaCha20-
// Poly1305), the BE32 streaming AEAD frame codec used for blobs, Blake3
// content hashing, Ed25519 signatures and base58 id encoding. Some
// packages still use the standard library directly: internal/group
// (crypto/ed25519, crypto/sha256, x/crypto/hkdf) and crypto/rand in
// internal/docstore and internal/client.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of a ChaCha20-Poly1305 key — also the
// length of a document secret (spec.md §3: "256-bit key").
const KeySize = chacha20poly1305.KeySize

// nonceSize is the standard (non-streaming) ChaCha20-Poly1305 nonce length.
const nonceSize = chacha20poly1305.NonceSize

// GenerateKey returns a fresh random 32-byte symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts value under key, returning nonce||ciphertext. Used for
// one-shot payloads: document content/ACL ciphertexts, db-cell
// ciphertexts, mailbox message bodies.
func Seal(key, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, value, nil)
	out := make([]byte, 0, len(nonce)+len(ciphertext))
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// Open reverses Seal, splitting the nonce prefix off nonceCiphertext.
func Open(key, nonceCiphertext []byte) ([]byte, error) {
	if len(nonceCiphertext) <= nonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCiphertextTooShort)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce, ciphertext := nonceCiphertext[:nonceSize], nonceCiphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// ErrCiphertextTooShort and ErrDecrypt are sentinel crypto errors
// returned by Open and DecryptNext. They are separate from
// internal/apperr's ErrDecryptionFailed and are not wrapped into it.
var (
	ErrCiphertextTooShort = fmt.Errorf("ciphertext too short to contain a nonce")
	ErrDecrypt            = fmt.Errorf("aead decryption failed")
)

// Streaming AEAD, "BE32" nonce regime (spec.md §4.4): each frame's
// nonce is a 7-byte fixed prefix, a 4-byte big-endian frame counter,
// and a final 1-byte "is this the last frame" flag — together the
// standard 12-byte ChaCha20-Poly1305 nonce. This mirrors RustCrypto's
// aead::stream::{EncryptorBE32,DecryptorBE32} used by the original
// implementation (original_source/bolik_sdk/src/blobs/blobs_atom.rs).
const (
	// StreamPlaintextFrame is the plaintext size of every frame except
	// possibly the last.
	StreamPlaintextFrame = 16368
	// StreamAuthTagSize is the AEAD tag overhead added per frame.
	StreamAuthTagSize = 16
	// StreamCiphertextFrame is StreamPlaintextFrame once sealed.
	StreamCiphertextFrame = StreamPlaintextFrame + StreamAuthTagSize

	streamNoncePrefixSize = 7
)

// StreamNoncePrefix derives the 7-byte nonce prefix from a blob's
// plaintext checksum string, so the (key, nonce) pair is unique per
// blob without needing to persist a separate nonce (spec.md §4.4:
// "seeded from the first 7 bytes of the file's plaintext checksum").
func StreamNoncePrefix(checksum string) []byte {
	b := []byte(checksum)
	prefix := make([]byte, streamNoncePrefixSize)
	n := copy(prefix, b)
	_ = n // checksum strings are always long enough (base58 of 32 bytes)
	return prefix
}

// StreamEncryptor seals successive plaintext frames using the BE32
// nonce regime. Callers must feed frames of exactly
// StreamPlaintextFrame bytes except for the final, possibly short,
// frame — EncryptNext(data, true) seals the last one.
type StreamEncryptor struct {
	aead    cipherAEAD
	prefix  []byte
	counter uint32
}

// StreamDecryptor is the EncryptNext inverse.
type StreamDecryptor struct {
	aead    cipherAEAD
	prefix  []byte
	counter uint32
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewStreamEncryptor builds an encryptor keyed by key, with the nonce
// prefix derived from checksum.
func NewStreamEncryptor(key []byte, checksum string) (*StreamEncryptor, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	return &StreamEncryptor{aead: aead, prefix: StreamNoncePrefix(checksum)}, nil
}

// NewStreamDecryptor builds the matching decryptor.
func NewStreamDecryptor(key []byte, checksum string) (*StreamDecryptor, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	return &StreamDecryptor{aead: aead, prefix: StreamNoncePrefix(checksum)}, nil
}

func streamNonce(prefix []byte, counter uint32, last bool) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[streamNoncePrefixSize:streamNoncePrefixSize+4], counter)
	if last {
		nonce[nonceSize-1] = 1
	}
	return nonce
}

// EncryptNext seals one frame. last must be true exactly for the final
// frame of the stream (full or short) and false for every frame before it.
func (e *StreamEncryptor) EncryptNext(plaintext []byte, last bool) ([]byte, error) {
	nonce := streamNonce(e.prefix, e.counter, last)
	e.counter++
	return e.aead.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptNext opens one frame.
func (d *StreamDecryptor) DecryptNext(ciphertext []byte, last bool) ([]byte, error) {
	nonce := streamNonce(d.prefix, d.counter, last)
	d.counter++
	plaintext, err := d.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// StreamContentLength computes the ciphertext length for a plaintext
// of size plaintextSize: ⌊size/16368⌋ · 16384 for the full frames,
// plus (size mod 16368) + 16 for a short final frame when there is a
// remainder. Size 0 still produces a single (empty) final frame's
// worth of tag, 16 bytes.
func StreamContentLength(plaintextSize int64) int64 {
	if plaintextSize == 0 {
		return StreamAuthTagSize
	}
	fullFrames := plaintextSize / StreamPlaintextFrame
	remainder := plaintextSize % StreamPlaintextFrame
	length := fullFrames * StreamCiphertextFrame
	if remainder == 0 {
		return length
	}
	return length + remainder + StreamAuthTagSize
}

// EncryptStream reads plaintext from r in StreamPlaintextFrame chunks,
// encrypts each with enc, and writes the ciphertext frames to w. It
// returns the number of plaintext bytes read.
func EncryptStream(w io.Writer, r io.Reader, enc *StreamEncryptor) (int64, error) {
	buf := make([]byte, StreamPlaintextFrame)
	var total int64
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			last := readErr == io.ErrUnexpectedEOF || readErr == io.EOF
			// Peek ahead is impossible with a plain reader; callers that
			// know total size up front should prefer EncryptStreamSized.
			frame, err := enc.EncryptNext(buf[:n], last)
			if err != nil {
				return total, err
			}
			if _, err := w.Write(frame); err != nil {
				return total, fmt.Errorf("write frame: %w", err)
			}
			total += int64(n)
			if last {
				return total, nil
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr == io.ErrUnexpectedEOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read plaintext: %w", readErr)
		}
	}
}

// EncryptStreamSized is like EncryptStream but knows the exact
// plaintext size up front, so it can mark the true last frame even
// when the final chunk happens to be exactly StreamPlaintextFrame
// bytes long (io.ReadFull can't distinguish "exactly full" from
// "more data follows" on its own).
func EncryptStreamSized(w io.Writer, r io.Reader, enc *StreamEncryptor, size int64) (int64, error) {
	buf := make([]byte, StreamPlaintextFrame)
	var total int64
	for total < size {
		remaining := size - total
		toRead := int64(StreamPlaintextFrame)
		if remaining < toRead {
			toRead = remaining
		}
		n, err := io.ReadFull(r, buf[:toRead])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return total, fmt.Errorf("read plaintext: %w", err)
		}
		total += int64(n)
		last := total >= size
		frame, err := enc.EncryptNext(buf[:n], last)
		if err != nil {
			return total, err
		}
		if _, err := w.Write(frame); err != nil {
			return total, fmt.Errorf("write frame: %w", err)
		}
		if last {
			break
		}
	}
	if size == 0 {
		frame, err := enc.EncryptNext(nil, true)
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(frame); err != nil {
			return 0, fmt.Errorf("write frame: %w", err)
		}
	}
	return total, nil
}

// DecryptStream reads ciphertext frames of exactly
// StreamCiphertextFrame bytes (the final frame may be short, per
// spec.md §4.4) from r until ciphertextLen bytes have been consumed,
// decrypting each into w.
func DecryptStream(w io.Writer, r io.Reader, dec *StreamDecryptor, ciphertextLen int64) error {
	buf := make([]byte, StreamCiphertextFrame)
	var read int64
	for read < ciphertextLen {
		remaining := ciphertextLen - read
		toRead := int64(StreamCiphertextFrame)
		if remaining < toRead {
			toRead = remaining
		}
		n, err := io.ReadFull(r, buf[:toRead])
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("read frame: %w", err)
		}
		read += int64(n)
		last := read >= ciphertextLen
		plaintext, err := dec.DecryptNext(buf[:n], last)
		if err != nil {
			return err
		}
		if _, err := w.Write(plaintext); err != nil {
			return fmt.Errorf("write plaintext: %w", err)
		}
		if last {
			break
		}
	}
	return nil
}
