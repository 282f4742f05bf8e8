// Package wire hand-encodes the relay's request/response payloads in
// protobuf wire format using protowire's low-level primitives directly
// — no .proto files, no protoc, no generated code (spec.md §6: "Wire
// protocol. Length-delimited protocol-buffer messages over HTTP").
// Field numbers below are this package's own schema, chosen once and
// never renumbered.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// KeyPackage is the bootstrapping credential a device publishes so
// other devices can add it to an MLS group (spec.md §4.2/§6).
type KeyPackage struct {
	DeviceID    string
	Ciphersuite uint32
	SigPub      []byte
	InitPub     []byte
}

const (
	fieldKeyPackageDeviceID    = 1
	fieldKeyPackageCiphersuite = 2
	fieldKeyPackageSigPub      = 3
	fieldKeyPackageInitPub     = 4
)

// Marshal encodes k in protobuf wire format.
func (k KeyPackage) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldKeyPackageDeviceID, k.DeviceID)
	b = appendVarint(b, fieldKeyPackageCiphersuite, uint64(k.Ciphersuite))
	b = appendBytes(b, fieldKeyPackageSigPub, k.SigPub)
	b = appendBytes(b, fieldKeyPackageInitPub, k.InitPub)
	return b
}

// UnmarshalKeyPackage decodes a KeyPackage from protobuf wire format.
func UnmarshalKeyPackage(data []byte) (KeyPackage, error) {
	var k KeyPackage
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldKeyPackageDeviceID:
			k.DeviceID = string(v)
		case fieldKeyPackageCiphersuite:
			k.Ciphersuite = uint32(n)
		case fieldKeyPackageSigPub:
			k.SigPub = v
		case fieldKeyPackageInitPub:
			k.InitPub = v
		}
		return nil
	})
	return k, err
}

// DocPayload is the document push/pull envelope (spec.md §4 push
// pipeline: "{id, counter, author_device_id, schema, ciphertext
// (content), ciphertext(acl), secret_id, author_signature,
// participants[]}").
type DocPayload struct {
	ID                string
	Counter           uint64
	AuthorDeviceID    string
	Schema            uint32
	ContentCiphertext []byte
	ACLCiphertext     []byte
	SecretID          string
	AuthorSignature   []byte
	Participants      []string
	BlobIDs           []string
}

const (
	fieldDocID                = 1
	fieldDocCounter           = 2
	fieldDocAuthorDeviceID    = 3
	fieldDocSchema            = 4
	fieldDocContentCiphertext = 5
	fieldDocACLCiphertext     = 6
	fieldDocSecretID          = 7
	fieldDocAuthorSignature   = 8
	fieldDocParticipant       = 9  // repeated
	fieldDocBlobID            = 10 // repeated; cleartext like Participants — the
	// relay never sees card content, so it learns which blobs a card
	// references only from this field, used to bind uploads to the doc
	// that keeps them alive for GC (spec.md §4.4/§4.9).
)

// Marshal encodes d in protobuf wire format.
func (d DocPayload) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldDocID, d.ID)
	b = appendVarint(b, fieldDocCounter, d.Counter)
	b = appendString(b, fieldDocAuthorDeviceID, d.AuthorDeviceID)
	b = appendVarint(b, fieldDocSchema, uint64(d.Schema))
	b = appendBytes(b, fieldDocContentCiphertext, d.ContentCiphertext)
	b = appendBytes(b, fieldDocACLCiphertext, d.ACLCiphertext)
	b = appendString(b, fieldDocSecretID, d.SecretID)
	b = appendBytes(b, fieldDocAuthorSignature, d.AuthorSignature)
	for _, p := range d.Participants {
		b = appendString(b, fieldDocParticipant, p)
	}
	for _, id := range d.BlobIDs {
		b = appendString(b, fieldDocBlobID, id)
	}
	return b
}

// UnmarshalDocPayload decodes a DocPayload from protobuf wire format.
func UnmarshalDocPayload(data []byte) (DocPayload, error) {
	var d DocPayload
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldDocID:
			d.ID = string(v)
		case fieldDocCounter:
			d.Counter = n
		case fieldDocAuthorDeviceID:
			d.AuthorDeviceID = string(v)
		case fieldDocSchema:
			d.Schema = uint32(n)
		case fieldDocContentCiphertext:
			d.ContentCiphertext = v
		case fieldDocACLCiphertext:
			d.ACLCiphertext = v
		case fieldDocSecretID:
			d.SecretID = string(v)
		case fieldDocAuthorSignature:
			d.AuthorSignature = v
		case fieldDocParticipant:
			d.Participants = append(d.Participants, string(v))
		case fieldDocBlobID:
			d.BlobIDs = append(d.BlobIDs, string(v))
		}
		return nil
	})
	return d, err
}

// PresignUpload requests a blob upload URL.
type PresignUpload struct {
	BlobID    string
	SizeBytes int64
}

const (
	fieldPresignUploadBlobID    = 1
	fieldPresignUploadSizeBytes = 2
)

func (p PresignUpload) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldPresignUploadBlobID, p.BlobID)
	b = appendVarint(b, fieldPresignUploadSizeBytes, uint64(p.SizeBytes))
	return b
}

func UnmarshalPresignUpload(data []byte) (PresignUpload, error) {
	var p PresignUpload
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldPresignUploadBlobID:
			p.BlobID = string(v)
		case fieldPresignUploadSizeBytes:
			p.SizeBytes = int64(n)
		}
		return nil
	})
	return p, err
}

// PresignDownload requests a blob download URL.
type PresignDownload struct {
	BlobID   string
	DeviceID string
	DocID    string
}

const (
	fieldPresignDownloadBlobID   = 1
	fieldPresignDownloadDeviceID = 2
	fieldPresignDownloadDocID    = 3
)

func (p PresignDownload) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldPresignDownloadBlobID, p.BlobID)
	b = appendString(b, fieldPresignDownloadDeviceID, p.DeviceID)
	b = appendString(b, fieldPresignDownloadDocID, p.DocID)
	return b
}

func UnmarshalPresignDownload(data []byte) (PresignDownload, error) {
	var p PresignDownload
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldPresignDownloadBlobID:
			p.BlobID = string(v)
		case fieldPresignDownloadDeviceID:
			p.DeviceID = string(v)
		case fieldPresignDownloadDocID:
			p.DocID = string(v)
		}
		return nil
	})
	return p, err
}

// DeviceVectorClock is the per-device counter set a pulling device
// sends to request every document authored since its last sync.
type DeviceVectorClock struct {
	Counters map[string]uint64
}

const (
	fieldVectorClockEntry        = 1 // repeated, nested message
	fieldVectorClockEntryDevice  = 1
	fieldVectorClockEntryCounter = 2
)

func (c DeviceVectorClock) Marshal() []byte {
	var b []byte
	for device, counter := range c.Counters {
		var entry []byte
		entry = appendString(entry, fieldVectorClockEntryDevice, device)
		entry = appendVarint(entry, fieldVectorClockEntryCounter, counter)
		b = appendBytes(b, fieldVectorClockEntry, entry)
	}
	return b
}

func UnmarshalDeviceVectorClock(data []byte) (DeviceVectorClock, error) {
	c := DeviceVectorClock{Counters: make(map[string]uint64)}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		if num != fieldVectorClockEntry {
			return nil
		}
		var device string
		var counter uint64
		err := walkFields(v, func(num2 protowire.Number, typ2 protowire.Type, v2 []byte, n2 uint64) error {
			switch num2 {
			case fieldVectorClockEntryDevice:
				device = string(v2)
			case fieldVectorClockEntryCounter:
				counter = n2
			}
			return nil
		})
		if err != nil {
			return err
		}
		c.Counters[device] = counter
		return nil
	})
	return c, err
}

// PushMailbox is a single handshake envelope pushed to a device's
// inbox (spec.md §4.5). RecipientDeviceID addresses the inbox this
// envelope lands in, which is not necessarily the authenticated
// sender — delivering a Welcome or Commit always means writing into
// some other device's mailbox.
type PushMailbox struct {
	ID                string
	RecipientDeviceID string
	Message           []byte
	CreatedAtSec      int64
	CreatedAtNano     int64
}

const (
	fieldMailboxID            = 1
	fieldMailboxMessage       = 2
	fieldMailboxCreatedAtSec  = 3
	fieldMailboxCreatedAtNano = 4
	fieldMailboxRecipient     = 5
)

func (m PushMailbox) Marshal() []byte {
	var b []byte
	b = appendString(b, fieldMailboxID, m.ID)
	b = appendBytes(b, fieldMailboxMessage, m.Message)
	b = appendVarint(b, fieldMailboxCreatedAtSec, uint64(m.CreatedAtSec))
	b = appendVarint(b, fieldMailboxCreatedAtNano, uint64(m.CreatedAtNano))
	b = appendString(b, fieldMailboxRecipient, m.RecipientDeviceID)
	return b
}

func UnmarshalPushMailbox(data []byte) (PushMailbox, error) {
	var m PushMailbox
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldMailboxID:
			m.ID = string(v)
		case fieldMailboxMessage:
			m.Message = v
		case fieldMailboxCreatedAtSec:
			m.CreatedAtSec = int64(n)
		case fieldMailboxCreatedAtNano:
			m.CreatedAtNano = int64(n)
		case fieldMailboxRecipient:
			m.RecipientDeviceID = string(v)
		}
		return nil
	})
	return m, err
}

// AccountChainPush is the body of a signature-chain publication: the
// serialized chain plus every device id it currently names, so the
// relay can populate account_devices without re-deriving membership
// itself (spec.md §4.1/§6).
type AccountChainPush struct {
	Chain     []byte
	DeviceIDs []string
}

const (
	fieldChainPushChain  = 1
	fieldChainPushDevice = 2 // repeated
)

func (p AccountChainPush) Marshal() []byte {
	var b []byte
	b = appendBytes(b, fieldChainPushChain, p.Chain)
	for _, id := range p.DeviceIDs {
		b = appendString(b, fieldChainPushDevice, id)
	}
	return b
}

func UnmarshalAccountChainPush(data []byte) (AccountChainPush, error) {
	var p AccountChainPush
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldChainPushChain:
			p.Chain = v
		case fieldChainPushDevice:
			p.DeviceIDs = append(p.DeviceIDs, string(v))
		}
		return nil
	})
	return p, err
}

// DeviceShare is the payload a device-share string base58-encodes: a
// key package plus the human name the inviter should show next to the
// joining device (SPEC_FULL.md supplemented feature 1, spec.md §4.7
// "device-share (key package + name encoded in base58)").
type DeviceShare struct {
	KeyPackage KeyPackage
	DeviceName string
}

const (
	fieldDeviceSharePackage = 1
	fieldDeviceShareName    = 2
)

// Marshal encodes s in protobuf wire format.
func (s DeviceShare) Marshal() []byte {
	var b []byte
	b = appendBytes(b, fieldDeviceSharePackage, s.KeyPackage.Marshal())
	b = appendString(b, fieldDeviceShareName, s.DeviceName)
	return b
}

// UnmarshalDeviceShare decodes a DeviceShare from protobuf wire format.
func UnmarshalDeviceShare(data []byte) (DeviceShare, error) {
	var s DeviceShare
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case fieldDeviceSharePackage:
			kp, err := UnmarshalKeyPackage(v)
			if err != nil {
				return fmt.Errorf("device share key package: %w", err)
			}
			s.KeyPackage = kp
		case fieldDeviceShareName:
			s.DeviceName = string(v)
		}
		return nil
	})
	return s, err
}

// WriteFramed writes each payload to w prefixed with its length as a
// big-endian uint32, so a stream of independently-marshaled messages
// (docs/list, mailbox fetch, key-package listing) can be split back
// apart on the other end without relying on protobuf's lack of a
// built-in message terminator.
func WriteFramed(w io.Writer, payloads [][]byte) error {
	for _, p := range payloads {
		var lenBytes [4]byte
		binary.BigEndian.PutUint32(lenBytes[:], uint32(len(p)))
		if _, err := w.Write(lenBytes[:]); err != nil {
			return fmt.Errorf("wire: write frame length: %w", err)
		}
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("wire: write frame body: %w", err)
		}
	}
	return nil
}

// ReadFramed reads every length-prefixed payload WriteFramed wrote
// until r is exhausted.
func ReadFramed(r io.Reader) ([][]byte, error) {
	var out [][]byte
	var lenBytes [4]byte
	for {
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return nil, fmt.Errorf("wire: read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBytes[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("wire: read frame body: %w", err)
		}
		out = append(out, body)
	}
}

// --- shared encode/decode plumbing ---

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// walkFields decodes every top-level field in data, invoking fn with
// the field number, wire type, and (for BytesType) the raw bytes or
// (for VarintType) the decoded value. Unknown wire types are skipped.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return fmt.Errorf("wire: invalid tag: %w", protowire.ParseError(tagLen))
		}
		data = data[tagLen:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, nil, v); err != nil {
				return err
			}
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("wire: invalid bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("wire: invalid field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
