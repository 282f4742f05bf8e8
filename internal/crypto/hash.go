package crypto

import (
	"sort"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the length in bytes of a Blake3-256 digest.
const ChecksumSize = 32

// Blake3Sum256 returns the Blake3-256 digest of data.
func Blake3Sum256(data []byte) [ChecksumSize]byte {
	return blake3.Sum256(data)
}

// Checksum returns the base58-encoded Blake3-256 digest of data, the
// form stored as CardFile.Checksum / BlobRef.Checksum.
func Checksum(data []byte) string {
	sum := Blake3Sum256(data)
	return IDFromKey(sum[:])
}

// ChecksumWriter incrementally hashes a stream (used while a blob is
// up/downloaded frame by frame) and yields the same encoding as
// Checksum once Sum is called.
type ChecksumWriter struct {
	h *blake3.Hasher
}

// NewChecksumWriter returns a fresh incremental Blake3-256 hasher.
func NewChecksumWriter() *ChecksumWriter {
	return &ChecksumWriter{h: blake3.New()}
}

// Write feeds more plaintext into the running hash.
func (c *ChecksumWriter) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// Sum returns the base58-encoded digest of everything written so far.
func (c *ChecksumWriter) Sum() string {
	digest := c.h.Sum(nil)
	return IDFromKey(digest)
}

// AccountsHash hashes a sorted set of account ids into the key used to
// bind group state and document secrets to "the set of accounts that
// share a document" (spec.md §3 Document secret: "owning account set").
// Sorting first makes the hash independent of caller-supplied order.
func AccountsHash(accountIDs []string) string {
	sorted := make([]string, len(accountIDs))
	copy(sorted, accountIDs)
	sort.Strings(sorted)

	h := blake3.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{','})
	}
	return IDFromKey(h.Sum(nil))
}
