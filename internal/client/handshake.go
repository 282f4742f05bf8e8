package client

import "fmt"

// Handshake envelopes are the opaque bytes carried inside a mailbox
// message's Body: a one-byte kind tag followed by a group-package
// payload, letting a device tell a Welcome from a Commit without the
// relay ever needing to parse either (spec.md §4.2/§4.5).
const (
	handshakeWelcome byte = 1
	handshakeCommit  byte = 2
)

func marshalHandshake(kind byte, payload []byte) []byte {
	b := make([]byte, 1+len(payload))
	b[0] = kind
	copy(b[1:], payload)
	return b
}

func unmarshalHandshake(data []byte) (kind byte, payload []byte, err error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("client: empty handshake envelope")
	}
	return data[0], data[1:], nil
}
