package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// Algorithm identifies a signature scheme, carried alongside a
// signature so verifiers can evolve without breaking old records —
// adapted from the teacher's key-agility records (pkg/crypto/agility.go),
// narrowed here to the single scheme the chain and the relay actually
// use today.
type Algorithm string

const AlgorithmEd25519 Algorithm = "ed25519"

// ErrUnsupportedAlgorithm is returned by Verify when a SignatureRecord
// names a scheme this build doesn't implement.
var ErrUnsupportedAlgorithm = errors.New("crypto: unsupported signature algorithm")

// SigningKeyPair is a device's long-lived Ed25519 identity: the public
// half is published in chain blocks, the private half never leaves
// local storage unencrypted.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a fresh Ed25519 device identity.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

// SignatureRecord is a signature plus the algorithm that produced it,
// the unit actually stored in chain blocks and attached to relay
// requests.
type SignatureRecord struct {
	Algorithm Algorithm
	Bytes     []byte
}

// Signer produces SignatureRecords over arbitrary message bytes.
type Signer interface {
	Sign(message []byte) (SignatureRecord, error)
}

// Verifier checks a SignatureRecord against a public key and message.
type Verifier interface {
	Verify(publicKey []byte, message []byte, sig SignatureRecord) error
}

// Ed25519Signer signs with a device's private key.
type Ed25519Signer struct {
	private ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(private ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{private: private}
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(message []byte) (SignatureRecord, error) {
	sig := ed25519.Sign(s.private, message)
	return SignatureRecord{Algorithm: AlgorithmEd25519, Bytes: sig}, nil
}

// Ed25519Verifier checks Ed25519 signatures.
type Ed25519Verifier struct{}

// NewEd25519Verifier returns a stateless Ed25519 verifier.
func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

// Verify implements Verifier.
func (v *Ed25519Verifier) Verify(publicKey, message []byte, sig SignatureRecord) error {
	if sig.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, sig.Algorithm)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("crypto: public key is %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(publicKey, message, sig.Bytes) {
		return ErrInvalidSignatureValue
	}
	return nil
}

// ErrInvalidSignatureValue signals a signature that verified
// syntactically (length, algorithm) but not cryptographically.
var ErrInvalidSignatureValue = errors.New("crypto: signature does not verify")

// Sign is a package-level convenience wrapping Ed25519Signer for
// one-off callers (chain block signing, relay request signing) that
// don't want to hold onto a Signer value.
func Sign(private ed25519.PrivateKey, message []byte) SignatureRecord {
	sig := ed25519.Sign(private, message)
	return SignatureRecord{Algorithm: AlgorithmEd25519, Bytes: sig}
}

// Verify is the package-level convenience counterpart to Sign.
func Verify(publicKey ed25519.PublicKey, message []byte, sig SignatureRecord) error {
	return NewEd25519Verifier().Verify(publicKey, message, sig)
}
