package group

import (
	"crypto/ed25519"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// This file persists a Group's state across process restarts, in the
// same hand-rolled protobuf wire style internal/chain and
// internal/crdt use for their own on-disk/on-wire forms. What's stored
// is exactly what store.PutGroupState/GetGroupState pass through
// opaquely: one device's current epoch snapshot plus enough to resume
// signing as that device.

const (
	fieldStateAccountID   = 1
	fieldStateChainHash   = 2
	fieldStateCiphersuite = 3
	fieldStateEpoch       = 4
	fieldStateEpochSecret = 5
	fieldStateOwnLeaf     = 6
	fieldStateMember      = 7 // repeated, nested

	fieldMemberDeviceID = 1
	fieldMemberSigPub   = 2
	fieldMemberInitPub  = 3
	fieldMemberActive   = 4
)

// MarshalState encodes the group's current epoch snapshot. The
// device's signing private key is never included; callers restore it
// separately (it lives in the device's own signing-key storage, not
// the group state blob).
func (g *Group) MarshalState() []byte {
	var b []byte
	b = appendStringField(b, fieldStateAccountID, g.st.AccountID)
	b = appendStringField(b, fieldStateChainHash, g.st.ChainHash)
	b = protowire.AppendTag(b, fieldStateCiphersuite, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.st.Ciphersuite))
	b = protowire.AppendTag(b, fieldStateEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, g.st.Epoch)
	b = appendBytesField(b, fieldStateEpochSecret, g.st.EpochSecret)
	b = protowire.AppendTag(b, fieldStateOwnLeaf, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.ownLeaf))
	for _, m := range g.st.Members {
		b = appendBytesField(b, fieldStateMember, marshalMember(m))
	}
	return b
}

func marshalMember(m member) []byte {
	var b []byte
	b = appendStringField(b, fieldMemberDeviceID, m.DeviceID)
	b = appendBytesField(b, fieldMemberSigPub, m.SigPub)
	b = appendBytesField(b, fieldMemberInitPub, m.InitPub)
	if m.Active {
		b = protowire.AppendTag(b, fieldMemberActive, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// UnmarshalState rebuilds a Group from bytes produced by MarshalState,
// binding sigKey as the device's own signing key for subsequent
// ProposeAdd/ProposeRemove/Rekey calls.
func UnmarshalState(data []byte, sigKey ed25519.PrivateKey) (*Group, error) {
	g := &Group{sigKey: sigKey}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldStateAccountID:
			g.st.AccountID = string(v)
		case fieldStateChainHash:
			g.st.ChainHash = string(v)
		case fieldStateCiphersuite:
			g.st.Ciphersuite = Ciphersuite(n)
		case fieldStateEpoch:
			g.st.Epoch = n
		case fieldStateEpochSecret:
			g.st.EpochSecret = v
		case fieldStateOwnLeaf:
			g.ownLeaf = int(n)
		case fieldStateMember:
			m, err := unmarshalMember(v)
			if err != nil {
				return err
			}
			g.st.Members = append(g.st.Members, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("group: unmarshal state: %w", err)
	}
	return g, nil
}

func unmarshalMember(data []byte) (member, error) {
	var m member
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldMemberDeviceID:
			m.DeviceID = string(v)
		case fieldMemberSigPub:
			m.SigPub = v
		case fieldMemberInitPub:
			m.InitPub = v
		case fieldMemberActive:
			m.Active = n == 1
		}
		return nil
	})
	return m, err
}

const (
	fieldCommitAccountID   = 1
	fieldCommitChainHash   = 2
	fieldCommitCiphersuite = 3
	fieldCommitEpoch       = 4
	fieldCommitEpochSecret = 5
	fieldCommitMember      = 6 // repeated, nested

	fieldWelcomeCommit      = 1 // nested Commit
	fieldWelcomeJoinerIndex = 2
)

// MarshalCommit encodes a Commit for mailbox delivery to an existing
// member that is not the one producing it.
func MarshalCommit(c Commit) []byte {
	var b []byte
	b = appendStringField(b, fieldCommitAccountID, c.AccountID)
	b = appendStringField(b, fieldCommitChainHash, c.ChainHash)
	b = protowire.AppendTag(b, fieldCommitCiphersuite, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Ciphersuite))
	b = protowire.AppendTag(b, fieldCommitEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Epoch)
	b = appendBytesField(b, fieldCommitEpochSecret, c.EpochSecret)
	for _, m := range c.Members {
		b = appendBytesField(b, fieldCommitMember, marshalMember(m))
	}
	return b
}

// UnmarshalCommit decodes bytes produced by MarshalCommit.
func UnmarshalCommit(data []byte) (Commit, error) {
	var c Commit
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldCommitAccountID:
			c.AccountID = string(v)
		case fieldCommitChainHash:
			c.ChainHash = string(v)
		case fieldCommitCiphersuite:
			c.Ciphersuite = Ciphersuite(n)
		case fieldCommitEpoch:
			c.Epoch = n
		case fieldCommitEpochSecret:
			c.EpochSecret = v
		case fieldCommitMember:
			m, err := unmarshalMember(v)
			if err != nil {
				return err
			}
			c.Members = append(c.Members, m)
		}
		return nil
	})
	if err != nil {
		return Commit{}, fmt.Errorf("group: unmarshal commit: %w", err)
	}
	return c, nil
}

// MarshalWelcome encodes a Welcome for mailbox delivery to the joining
// device (spec.md §4.2 Welcome, §5 mailbox transport).
func MarshalWelcome(w Welcome) []byte {
	var b []byte
	b = appendBytesField(b, fieldWelcomeCommit, MarshalCommit(w.Commit))
	b = protowire.AppendTag(b, fieldWelcomeJoinerIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.JoinerLeafIndex))
	return b
}

// UnmarshalWelcome decodes bytes produced by MarshalWelcome.
func UnmarshalWelcome(data []byte) (Welcome, error) {
	var w Welcome
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldWelcomeCommit:
			c, err := UnmarshalCommit(v)
			if err != nil {
				return err
			}
			w.Commit = c
		case fieldWelcomeJoinerIndex:
			w.JoinerLeafIndex = int(n)
		}
		return nil
	})
	if err != nil {
		return Welcome{}, fmt.Errorf("group: unmarshal welcome: %w", err)
	}
	return w, nil
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
			return fmt.Errorf("group: invalid tag: %w", protowire.ParseError(tagLen))
		}
		data = data[tagLen:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("group: invalid varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("group: invalid bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("group: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
