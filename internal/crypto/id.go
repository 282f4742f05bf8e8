package crypto

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// IDFromKey base58-encodes raw key or hash bytes into a stable string
// id. Device, account, document-secret and chain ids are all produced
// this way.
func IDFromKey(k []byte) string {
	return base58.Encode(k)
}

// KeyFromID decodes a base58 id back into raw bytes.
func KeyFromID(id string) ([]byte, error) {
	b, err := base58.Decode(id)
	if err != nil {
		return nil, fmt.Errorf("decode base58 id: %w", err)
	}
	return b, nil
}
