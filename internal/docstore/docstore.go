// Package docstore implements the document engine: CRDT documents
// (content + ACL sub-doc), stamped with author/counter/schema metadata,
// encrypted under a document secret and persisted through the local
// store (spec.md §4.3). It knows nothing about the signature chain or
// the secret group directly — both are reached through small injected
// interfaces, the same narrow-dependency shape internal/mailbox uses
// for its own DB/Pusher/Fetcher split — so the document engine can be
// exercised without standing up a whole account.
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/inkline-dev/inkline/internal/crdt"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/store"
	"github.com/inkline-dev/inkline/pkg/clock"
)

// Schema identifies a document's CRDT content shape (spec.md §4.2:
// "CardV1, CardLabelsV1, Profile, Account-root").
type Schema uint32

const (
	SchemaCardV1 Schema = iota + 1
	SchemaCardLabelsV1
	SchemaProfile
	SchemaAccountRoot
)

// Card is a logical document as docstore's callers see it: the CRDT
// state plus the metadata spec.md §3's Document entity carries
// alongside it.
type Card struct {
	ID             string
	Schema         Schema
	AuthorDeviceID string
	Counter        uint64
	CreatedAt      time.Time
	EditedAt       time.Time
	Doc            *crdt.Document
}

// Secret is the key material docstore encrypts a document under, the
// shape internal/group's DocumentSecret is adapted to when crossing
// into this package.
type Secret struct {
	ID  string
	Key []byte
}

// SecretSource resolves the document secrets docstore needs without
// importing internal/group: one active secret to encrypt new writes
// for a given account set, and every plausible secret (most recent
// first) to try decrypting an incoming payload against (spec.md §4.2:
// "reads try all plausible secrets for that account set").
type SecretSource interface {
	ActiveSecret(ctx context.Context, accountIDs []string) (Secret, error)
	SecretByID(ctx context.Context, id string) (Secret, error)
	SecretsForAccounts(ctx context.Context, accountIDs []string) ([]Secret, error)
}

// MemberVerifier resolves the signing public key a document author's
// signature must check against, as of the current chain membership —
// docstore's view into internal/chain without importing it directly.
// Lookup is by device id alone: a pulled document's author may belong
// to this device's own account or to any contact account already
// synced locally, and the caller is expected to maintain that
// deviceID -> (account, key) index across every chain it tracks.
type MemberVerifier interface {
	SigningKeyFor(ctx context.Context, deviceID string) (pubKey []byte, accountID string, err error)
}

// DB is the subset of *store.DB the document engine needs.
type DB interface {
	PutDocument(ctx context.Context, d store.StoredDocument) error
	GetDocument(ctx context.Context, id string) (store.StoredDocument, error)
	DeleteDocument(ctx context.Context, id string) error
	IndexCardText(ctx context.Context, docID, text, labelIDs string) error
	SearchCards(ctx context.Context, query string) ([]string, error)
	VectorClockCounter(ctx context.Context, authorDeviceID string) (uint64, bool, error)
	AdvanceVectorClock(ctx context.Context, authorDeviceID string, counter uint64) error
	VectorClock(ctx context.Context) (map[string]uint64, error)
	EnqueuePushDoc(ctx context.Context, message []byte, queuedAt time.Time) error
	PushDocsBatch(ctx context.Context, limit int) ([]store.QueuedDocPush, error)
	DequeuePushDoc(ctx context.Context, id int64) error
	UpsertFailedDoc(ctx context.Context, docID, authorDeviceID string, retryAfter time.Time) error
	DeleteFailedDoc(ctx context.Context, docID, authorDeviceID string) error
	FailedDocTries(ctx context.Context, docID, authorDeviceID string) (int, error)
	PendingFailedDocs(ctx context.Context, now time.Time) (map[string]bool, error)
	EnqueueProcessFetched(ctx context.Context, f store.FetchedDoc) error
	ProcessFetchedBatch(ctx context.Context, limit int) ([]store.FetchedDoc, error)
	DequeueProcessFetched(ctx context.Context, docID string) error
	PutNotification(ctx context.Context, n store.Notification) error
}

// Store is the document engine itself: one per local device.
type Store struct {
	db       DB
	deviceID string
	client   crdt.ClientID
	secrets  SecretSource
	members  MemberVerifier
	signer   icrypto.Signer
	clk      clock.Clock
}

// New returns a Store for the given device, backed by db. clk stands
// in for every time.Now() this package would otherwise call directly
// (document stamping, bin timestamps), so tests can drive secret
// expiry and bin retention deterministically with clock.NewFixed.
func New(db DB, deviceID string, secrets SecretSource, members MemberVerifier, signer icrypto.Signer, clk clock.Clock) *Store {
	return &Store{
		db:       db,
		deviceID: deviceID,
		client:   crdt.DeriveClientID(deviceID),
		secrets:  secrets,
		members:  members,
		signer:   signer,
		clk:      clk,
	}
}

// Load decrypts and returns the document stored under id.
func (s *Store) Load(ctx context.Context, id string) (*Card, error) {
	sd, err := s.db.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, sd)
}

func (s *Store) decode(ctx context.Context, sd store.StoredDocument) (*Card, error) {
	key, err := s.secrets.SecretByID(ctx, sd.SecretID)
	if err != nil {
		return nil, fmt.Errorf("docstore: resolve secret %s for %s: %w", sd.SecretID, sd.ID, err)
	}
	doc, err := decryptDocument(s.client, key.Key, sd.ContentCiphertext, sd.ACLCiphertext)
	if err != nil {
		return nil, fmt.Errorf("docstore: decode %s: %w", sd.ID, err)
	}
	return &Card{
		ID:             sd.ID,
		Schema:         Schema(sd.Schema),
		AuthorDeviceID: sd.AuthorDeviceID,
		Counter:        sd.Counter,
		CreatedAt:      sd.CreatedAt,
		EditedAt:       sd.EditedAt,
		Doc:            doc,
	}, nil
}

// decryptDocument opens a document's two ciphertexts and rebuilds its
// CRDT state. ContentCiphertext may be nil (Account-root/Profile
// documents with no body, only an ACL) per the documents table's
// schema allowing a NULL content column.
func decryptDocument(client crdt.ClientID, key, contentCiphertext, aclCiphertext []byte) (*crdt.Document, error) {
	doc := crdt.NewDocument(client)
	if len(contentCiphertext) > 0 {
		plain, err := icrypto.Open(key, contentCiphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt content: %w", err)
		}
		if err := crdt.MergeContent(doc.Content, plain); err != nil {
			return nil, fmt.Errorf("merge content: %w", err)
		}
	}
	plain, err := icrypto.Open(key, aclCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt acl: %w", err)
	}
	if err := crdt.MergeACL(doc.ACL, plain); err != nil {
		return nil, fmt.Errorf("merge acl: %w", err)
	}
	return doc, nil
}

// encryptDocument seals doc's current CRDT state for storage/transport.
func encryptDocument(key []byte, doc *crdt.Document) (contentCiphertext, aclCiphertext []byte, err error) {
	contentCiphertext, err = icrypto.Seal(key, crdt.MarshalContent(doc.Content))
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt content: %w", err)
	}
	aclCiphertext, err = icrypto.Seal(key, crdt.MarshalACL(doc.ACL))
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt acl: %w", err)
	}
	return contentCiphertext, aclCiphertext, nil
}

// participantsFor derives the push payload's participants field: the
// ACL's account set in Normal mode, or a caller-supplied set in Custom
// mode (spec.md §4.3, e.g. Profile's broadcast-to-all-contacts).
func participantsFor(doc *crdt.Document, custom []string) []string {
	if doc.ACL.Mode() == crdt.ModeCustom {
		return custom
	}
	return doc.ACL.Members()
}
