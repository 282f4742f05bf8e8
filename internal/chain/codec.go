package chain

import (
	"fmt"

	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"google.golang.org/protobuf/encoding/protowire"
)

// This file hand-encodes a Chain's blocks in protobuf wire format, the
// same primitives internal/wire and internal/crdt use for their own
// payloads — kept local because the encoding is tied one-for-one to
// Block's fields, not to the relay's wire catalogue. A serialized
// chain is what a device persists locally (store.PutSignatureChain)
// and what it publishes to the relay (wire.AccountChainPush.Chain);
// both round-trip through Marshal/Unmarshal below.

const (
	fieldBlockEpoch       = 1
	fieldBlockParentHash  = 2
	fieldBlockOpKind      = 3
	fieldBlockOpDeviceID  = 4
	fieldBlockOpSigPub    = 5
	fieldBlockOpRemoveID  = 6
	fieldBlockAuthorID    = 7
	fieldBlockSigAlg      = 8
	fieldBlockSigBytes    = 9

	fieldChainBlock = 1 // repeated
)

func marshalBlock(b Block) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldBlockEpoch, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Epoch)
	buf = appendBytesField(buf, fieldBlockParentHash, b.ParentHash)
	buf = protowire.AppendTag(buf, fieldBlockOpKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.Operation.Kind))
	buf = appendStringField(buf, fieldBlockOpDeviceID, b.Operation.DevicePkg.DeviceID)
	buf = appendBytesField(buf, fieldBlockOpSigPub, b.Operation.DevicePkg.SigningPublicKey)
	buf = appendStringField(buf, fieldBlockOpRemoveID, b.Operation.RemoveDeviceID)
	buf = appendStringField(buf, fieldBlockAuthorID, b.AuthorDeviceID)
	buf = appendStringField(buf, fieldBlockSigAlg, string(b.AuthorSignature.Algorithm))
	buf = appendBytesField(buf, fieldBlockSigBytes, b.AuthorSignature.Bytes)
	return buf
}

func unmarshalBlock(data []byte) (Block, error) {
	var b Block
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldBlockEpoch:
			b.Epoch = n
		case fieldBlockParentHash:
			b.ParentHash = v
		case fieldBlockOpKind:
			b.Operation.Kind = OperationKind(n)
		case fieldBlockOpDeviceID:
			b.Operation.DevicePkg.DeviceID = string(v)
		case fieldBlockOpSigPub:
			b.Operation.DevicePkg.SigningPublicKey = v
		case fieldBlockOpRemoveID:
			b.Operation.RemoveDeviceID = string(v)
		case fieldBlockAuthorID:
			b.AuthorDeviceID = string(v)
		case fieldBlockSigAlg:
			b.AuthorSignature.Algorithm = icrypto.Algorithm(v)
		case fieldBlockSigBytes:
			b.AuthorSignature.Bytes = v
		}
		return nil
	})
	return b, err
}

// Marshal encodes every block in the chain, in order.
func (c *Chain) Marshal() []byte {
	var b []byte
	for _, blk := range c.Blocks {
		b = appendBytesField(b, fieldChainBlock, marshalBlock(blk))
	}
	return b
}

// Unmarshal rebuilds a Chain from bytes produced by Marshal. Blocks are
// taken on trust here; callers should call Verify before relying on
// membership derived from the result.
func Unmarshal(data []byte) (*Chain, error) {
	c := &Chain{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		if num != fieldChainBlock {
			return nil
		}
		blk, err := unmarshalBlock(v)
		if err != nil {
			return err
		}
		c.Blocks = append(c.Blocks, blk)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain: unmarshal: %w", err)
	}
	return c, nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return fmt.Errorf("chain: invalid tag: %w", protowire.ParseError(tagLen))
		}
		data = data[tagLen:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("chain: invalid varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("chain: invalid bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("chain: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
