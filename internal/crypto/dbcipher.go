package crypto

import "fmt"

// DBCipher encrypts individual "sensitive" column values in the local
// store (spec.md §6 Persisted state: device private keys, document
// secrets, chain signing material) under the device's local storage
// key. It is a thin, named wrapper over Seal/Open rather than a
// distinct scheme — adapted from original_source/bolik_sdk/src/secrets.rs's
// DbCipher, which plays the same role around SQLCipher columns.
type DBCipher struct {
	key []byte
}

// NewDBCipher binds a DBCipher to the device's local storage key. The
// key itself is derived once at unlock time and held only in memory.
func NewDBCipher(key []byte) (*DBCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("dbcipher: key must be %d bytes, got %d", KeySize, len(key))
	}
	return &DBCipher{key: key}, nil
}

// EncryptColumn seals a single column value for storage.
func (c *DBCipher) EncryptColumn(plaintext []byte) ([]byte, error) {
	out, err := Seal(c.key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("dbcipher: encrypt column: %w", err)
	}
	return out, nil
}

// DecryptColumn reverses EncryptColumn, returning ErrDecrypt on any
// tamper or wrong-key condition rather than a partial result.
func (c *DBCipher) DecryptColumn(ciphertext []byte) ([]byte, error) {
	out, err := Open(c.key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("dbcipher: decrypt column: %w", err)
	}
	return out, nil
}
