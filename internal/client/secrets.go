package client

import (
	"context"
	"fmt"
	"time"

	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/group"
	"github.com/inkline-dev/inkline/internal/store"
	"github.com/inkline-dev/inkline/pkg/clock"
)

// secretSource bridges the device's group ratchet and local store to
// docstore.SecretSource: minting/persisting a fresh document secret
// whenever the active group epoch advances past the last one handed
// out, and answering lookups by id or owning account set out of the
// local document_secrets table.
type secretSource struct {
	db    *store.DB
	group *group.Group
	grace time.Duration
	clk   clock.Clock
}

func newSecretSource(db *store.DB, g *group.Group, grace time.Duration, clk clock.Clock) *secretSource {
	return &secretSource{db: db, group: g, grace: grace, clk: clk}
}

// ActiveSecret implements docstore.SecretSource.
func (s *secretSource) ActiveSecret(ctx context.Context, accountIDs []string) (docstore.Secret, error) {
	hash := icrypto.AccountsHash(accountIDs)
	now := s.clk.Now()
	existing, err := s.db.SecretsForAccountsHash(ctx, hash)
	if err != nil {
		return docstore.Secret{}, fmt.Errorf("client: secrets for accounts: %w", err)
	}
	for _, sec := range existing {
		if sec.TombstonedAt == nil && now.Before(sec.ObsoleteAt) {
			key, err := s.db.GetSecretKey(ctx, sec.ID)
			if err != nil {
				return docstore.Secret{}, err
			}
			return docstore.Secret{ID: sec.ID, Key: key}, nil
		}
	}

	exported := s.group.ExportDocumentSecret(now, s.grace)
	stored := store.StoredSecret{
		ID:           exported.ID,
		AccountsHash: hash,
		AccountIDs:   accountIDs,
		Algorithm:    0,
		CreatedAt:    exported.CreatedAt,
		ObsoleteAt:   exported.ObsoleteAt,
	}
	if err := s.db.PutSecret(ctx, stored, exported.Key); err != nil {
		return docstore.Secret{}, fmt.Errorf("client: persist new document secret: %w", err)
	}
	return docstore.Secret{ID: exported.ID, Key: exported.Key}, nil
}

// SecretByID implements docstore.SecretSource.
func (s *secretSource) SecretByID(ctx context.Context, id string) (docstore.Secret, error) {
	key, err := s.db.GetSecretKey(ctx, id)
	if err != nil {
		return docstore.Secret{}, err
	}
	return docstore.Secret{ID: id, Key: key}, nil
}

// SecretsForAccounts implements docstore.SecretSource.
func (s *secretSource) SecretsForAccounts(ctx context.Context, accountIDs []string) ([]docstore.Secret, error) {
	hash := icrypto.AccountsHash(accountIDs)
	existing, err := s.db.SecretsForAccountsHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("client: secrets for accounts: %w", err)
	}
	out := make([]docstore.Secret, 0, len(existing))
	for _, sec := range existing {
		key, err := s.db.GetSecretKey(ctx, sec.ID)
		if err != nil {
			continue
		}
		out = append(out, docstore.Secret{ID: sec.ID, Key: key})
	}
	return out, nil
}
