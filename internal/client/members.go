package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/inkline-dev/inkline/internal/chain"
)

// memberVerifier resolves a device id to its signing public key and
// owning account by keeping one verified chain per account this device
// has ever synced a document with — its own account plus every
// contact account (spec.md §4.3: MemberVerifier must answer for "any
// contact account already synced locally").
type memberVerifier struct {
	mu     sync.RWMutex
	chains map[string]*chain.Chain // accountID -> verified chain
}

func newMemberVerifier() *memberVerifier {
	return &memberVerifier{chains: make(map[string]*chain.Chain)}
}

// TrackChain verifies and registers accountID's chain, replacing
// whatever this device previously knew about that account (called
// after a fresh pull of an account's chain from the relay).
func (m *memberVerifier) TrackChain(accountID string, c *chain.Chain) error {
	if err := c.Verify(); err != nil {
		return fmt.Errorf("client: verify chain for %s: %w", accountID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[accountID] = c
	return nil
}

// SigningKeyFor implements docstore.MemberVerifier.
func (m *memberVerifier) SigningKeyFor(ctx context.Context, deviceID string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for accountID, c := range m.chains {
		members, err := c.Members()
		if err != nil {
			continue
		}
		if key, ok := members[deviceID]; ok {
			return key, accountID, nil
		}
	}
	return nil, "", fmt.Errorf("client: no tracked chain names device %s", deviceID)
}
