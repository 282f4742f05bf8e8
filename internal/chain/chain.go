// Package chain implements the signature chain that authenticates
// which devices belong to an account: an ordered, hash-linked,
// append-only log of membership-changing operations, each signed by a
// device that was a member as of the block before it (spec.md §4.1).
// The hash-linking idea follows the tamper-evident log shape used by
// forestrie's merkle log signer, narrowed from a full Merkle
// accumulator down to a simple previous-block hash chain — the scale
// here (one chain per account, a handful of devices) never needs a
// Merkle proof, only linear verification.
package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/inkline-dev/inkline/internal/apperr"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
)

// OperationKind identifies a chain block's membership mutation.
type OperationKind byte

const (
	OpCreateAccount OperationKind = iota
	OpAddDevice
	OpRemoveDevice
	OpRotateKeys
)

// DevicePackage is the public key material a block attaches when
// adding or rotating a device.
type DevicePackage struct {
	DeviceID        string
	SigningPublicKey []byte
}

// Operation is a block's payload. Exactly the fields relevant to Kind
// are meaningful; the rest are zero.
type Operation struct {
	Kind           OperationKind
	DevicePkg      DevicePackage // CreateAccount, AddDevice, RotateKeys
	RemoveDeviceID string        // RemoveDevice
}

// Block is one signed, hash-linked entry (spec.md §4.1 Block shape).
type Block struct {
	Epoch           uint64
	ParentHash      []byte
	Operation       Operation
	AuthorDeviceID  string
	AuthorSignature icrypto.SignatureRecord
}

// signingPayload returns the canonical bytes a block's author signs:
// everything except the signature itself, in a fixed field order with
// no optional field ever promoted to absent (spec.md §4.1: "canonical
// ... fixed field order, no optionals promoted to absent").
func signingPayload(b Block) []byte {
	var buf bytes.Buffer
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], b.Epoch)
	buf.Write(epochBytes[:])
	writeLenPrefixed(&buf, b.ParentHash)
	buf.WriteByte(byte(b.Operation.Kind))
	writeLenPrefixed(&buf, []byte(b.Operation.DevicePkg.DeviceID))
	writeLenPrefixed(&buf, b.Operation.DevicePkg.SigningPublicKey)
	writeLenPrefixed(&buf, []byte(b.Operation.RemoveDeviceID))
	writeLenPrefixed(&buf, []byte(b.AuthorDeviceID))
	return buf.Bytes()
}

// canonicalBytes is signingPayload plus the author's signature — the
// bytes the next block's parent hash is computed over.
func canonicalBytes(b Block) []byte {
	payload := signingPayload(b)
	var buf bytes.Buffer
	buf.Write(payload)
	writeLenPrefixed(&buf, []byte(b.AuthorSignature.Algorithm))
	writeLenPrefixed(&buf, b.AuthorSignature.Bytes)
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
}

// parentHashOf returns the hash the next block after b must carry as
// ParentHash.
func parentHashOf(b Block) []byte {
	sum := icrypto.Blake3Sum256(canonicalBytes(b))
	return sum[:]
}

// Chain is one account's ordered block log.
type Chain struct {
	Blocks []Block
}

// New returns an empty chain — callers append the genesis
// CreateAccount block with Append.
func New() *Chain {
	return &Chain{}
}

// Append signs and appends a new block for op, authored by
// authorDeviceID. For the genesis block (an empty chain), op must be
// OpCreateAccount and authorDeviceID must equal the new device's id —
// every other case requires authorDeviceID to be a member as of the
// chain's current membership (as Members computes it, without
// re-verifying block signatures).
func (c *Chain) Append(op Operation, authorDeviceID string, signer icrypto.Signer) (Block, error) {
	var parentHash []byte
	epoch := uint64(0)
	if len(c.Blocks) > 0 {
		prev := c.Blocks[len(c.Blocks)-1]
		parentHash = parentHashOf(prev)
		epoch = prev.Epoch + 1

		members, err := c.Members()
		if err != nil {
			return Block{}, err
		}
		if _, ok := members[authorDeviceID]; !ok {
			return Block{}, fmt.Errorf("%w: %s", apperr.ErrChainForbidden, authorDeviceID)
		}
	} else {
		parentHash = make([]byte, icrypto.ChecksumSize)
		if op.Kind != OpCreateAccount || op.DevicePkg.DeviceID != authorDeviceID {
			return Block{}, fmt.Errorf("%w: genesis block must be a self-signed CreateAccount", apperr.ErrChainForbidden)
		}
	}

	block := Block{
		Epoch:          epoch,
		ParentHash:     parentHash,
		Operation:      op,
		AuthorDeviceID: authorDeviceID,
	}
	sig, err := signer.Sign(signingPayload(block))
	if err != nil {
		return Block{}, fmt.Errorf("chain: sign block: %w", err)
	}
	block.AuthorSignature = sig
	c.Blocks = append(c.Blocks, block)
	return block, nil
}

// Verify recomputes every parent hash, checks every author's signature
// against the membership as of the block before it, and checks every
// operation was permitted by that membership (spec.md §4.1 verify).
func (c *Chain) Verify() error {
	if len(c.Blocks) == 0 {
		return apperr.ErrChainEmpty
	}
	members := make(map[string][]byte)
	verifier := icrypto.NewEd25519Verifier()

	for i, b := range c.Blocks {
		wantParent := make([]byte, icrypto.ChecksumSize)
		if i > 0 {
			wantParent = parentHashOf(c.Blocks[i-1])
		}
		if !bytes.Equal(b.ParentHash, wantParent) {
			return fmt.Errorf("%w: block %d parent hash mismatch", apperr.ErrChainBroken, i)
		}
		if b.Epoch != uint64(i) {
			return fmt.Errorf("%w: block %d has epoch %d, want %d", apperr.ErrChainBroken, i, b.Epoch, i)
		}

		var authorKey []byte
		if i == 0 {
			if b.Operation.Kind != OpCreateAccount || b.Operation.DevicePkg.DeviceID != b.AuthorDeviceID {
				return fmt.Errorf("%w: genesis block must be a self-signed CreateAccount", apperr.ErrChainForbidden)
			}
			authorKey = b.Operation.DevicePkg.SigningPublicKey
		} else {
			key, ok := members[b.AuthorDeviceID]
			if !ok {
				return fmt.Errorf("%w: block %d author %s is not a member", apperr.ErrChainForbidden, i, b.AuthorDeviceID)
			}
			authorKey = key
		}

		if err := verifier.Verify(authorKey, signingPayload(b), b.AuthorSignature); err != nil {
			return fmt.Errorf("%w: block %d: %v", apperr.ErrChainUnsigned, i, err)
		}

		if err := applyOperation(members, b); err != nil {
			return err
		}
	}
	return nil
}

func applyOperation(members map[string][]byte, b Block) error {
	switch b.Operation.Kind {
	case OpCreateAccount, OpAddDevice:
		members[b.Operation.DevicePkg.DeviceID] = b.Operation.DevicePkg.SigningPublicKey
	case OpRemoveDevice:
		if _, ok := members[b.Operation.RemoveDeviceID]; !ok {
			return fmt.Errorf("%w: cannot remove non-member %s", apperr.ErrChainForbidden, b.Operation.RemoveDeviceID)
		}
		delete(members, b.Operation.RemoveDeviceID)
	case OpRotateKeys:
		if _, ok := members[b.Operation.DevicePkg.DeviceID]; !ok {
			return fmt.Errorf("%w: cannot rotate keys for non-member %s", apperr.ErrChainForbidden, b.Operation.DevicePkg.DeviceID)
		}
		members[b.Operation.DevicePkg.DeviceID] = b.Operation.DevicePkg.SigningPublicKey
	default:
		return fmt.Errorf("%w: unknown operation kind %d", apperr.ErrMalformedMessage, b.Operation.Kind)
	}
	return nil
}

// Members folds every operation in the chain into the current
// membership set, device id → signing public key (spec.md §4.1
// members(chain)). It does not itself re-verify signatures; callers
// that haven't already called Verify should do so first.
func (c *Chain) Members() (map[string][]byte, error) {
	if len(c.Blocks) == 0 {
		return nil, apperr.ErrChainEmpty
	}
	members := make(map[string][]byte)
	for _, b := range c.Blocks {
		if err := applyOperation(members, b); err != nil {
			return nil, err
		}
	}
	return members, nil
}

// Head returns the chain's most recent block and its hash, or
// ErrChainEmpty if the chain has no blocks yet.
func (c *Chain) Head() (Block, []byte, error) {
	if len(c.Blocks) == 0 {
		return Block{}, nil, apperr.ErrChainEmpty
	}
	last := c.Blocks[len(c.Blocks)-1]
	return last, parentHashOf(last), nil
}
