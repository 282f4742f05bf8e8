package docstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// CardFile is a file attachment's metadata as stored under its blob id
// in a CardV1 document's Files() map (spec.md §3 "Card file (in-doc)",
// §4.4): which device produced the synced copy, the name it was
// attached under, the plaintext checksum/size the download path
// verifies against, and the id of the document secret it was sealed
// under (ordinarily the card's own active secret, but kept explicit
// so a rekeyed card's older attachments stay decryptable).
type CardFile struct {
	DeviceID string
	Name     string
	Checksum string
	Size     int64
	SecretID string
}

func writeLenPrefixedField(buf *bytes.Buffer, b []byte) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
}

func readLenPrefixedField(r *bytes.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// marshal encodes f for storage as an LWWMap value.
func (f CardFile) marshal() []byte {
	var buf bytes.Buffer
	writeLenPrefixedField(&buf, []byte(f.DeviceID))
	writeLenPrefixedField(&buf, []byte(f.Name))
	writeLenPrefixedField(&buf, []byte(f.Checksum))
	var sizeBytes [8]byte
	binary.BigEndian.PutUint64(sizeBytes[:], uint64(f.Size))
	buf.Write(sizeBytes[:])
	writeLenPrefixedField(&buf, []byte(f.SecretID))
	return buf.Bytes()
}

func unmarshalCardFile(data []byte) (CardFile, error) {
	r := bytes.NewReader(data)
	deviceID, err := readLenPrefixedField(r)
	if err != nil {
		return CardFile{}, fmt.Errorf("docstore: read file device id: %w", err)
	}
	name, err := readLenPrefixedField(r)
	if err != nil {
		return CardFile{}, fmt.Errorf("docstore: read file name: %w", err)
	}
	checksum, err := readLenPrefixedField(r)
	if err != nil {
		return CardFile{}, fmt.Errorf("docstore: read file checksum: %w", err)
	}
	var sizeBytes [8]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return CardFile{}, fmt.Errorf("docstore: read file size: %w", err)
	}
	secretID, err := readLenPrefixedField(r)
	if err != nil {
		return CardFile{}, fmt.Errorf("docstore: read file secret id: %w", err)
	}
	return CardFile{
		DeviceID: string(deviceID),
		Name:     string(name),
		Checksum: string(checksum),
		Size:     int64(binary.BigEndian.Uint64(sizeBytes[:])),
		SecretID: string(secretID),
	}, nil
}

// SetFile records blobID's metadata in card's content. It returns
// nothing; callers still need to call Save to persist and push the
// resulting card.
func (c *Card) SetFile(blobID string, f CardFile) {
	c.Doc.Content.Files().Set(blobID, f.marshal())
}

// File returns blobID's recorded metadata, if the attachment is still
// live (not removed).
func (c *Card) File(blobID string) (CardFile, bool) {
	v, ok := c.Doc.Content.Files().Get(blobID)
	if !ok {
		return CardFile{}, false
	}
	f, err := unmarshalCardFile(v)
	if err != nil {
		return CardFile{}, false
	}
	return f, true
}

// Files returns every attachment currently recorded on card, keyed by
// blob id.
func (c *Card) Files() map[string]CardFile {
	out := make(map[string]CardFile)
	for blobID, v := range c.Doc.Content.Files().All() {
		f, err := unmarshalCardFile(v)
		if err != nil {
			continue
		}
		out[blobID] = f
	}
	return out
}

// RemoveFile tombstones blobID's attachment metadata.
func (c *Card) RemoveFile(blobID string) {
	c.Doc.Content.Files().Delete(blobID)
}
