package docstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/crdt"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/events"
	"github.com/inkline-dev/inkline/internal/store"
	"github.com/inkline-dev/inkline/internal/wire"
)

// Fetcher pulls every document payload the relay holds for this
// device's account with a counter beyond its vector clock (spec.md
// §4.3 pull pipeline: "client sends its vector clock; relay streams
// payloads with counter > clock[author]").
type Fetcher interface {
	FetchDocs(ctx context.Context, clock map[string]uint64) ([][]byte, error)
}

// priorityOf ranks a schema the way spec.md §4.3 orders
// process_fetched_docs_queue: ACL-relevant documents first (account
// identity/membership carriers), then CardV1, then everything else.
func priorityOf(schema Schema) int {
	switch schema {
	case SchemaAccountRoot, SchemaProfile:
		return 0
	case SchemaCardV1:
		return 1
	default:
		return 2
	}
}

// Pull fetches every pending payload, verifies and merges each in
// priority order, and reports how many changed a local document
// (the condition under which a caller should emit DocUpdated).
func (s *Store) Pull(ctx context.Context, fetcher Fetcher, bus *events.Bus) (int, error) {
	clock, err := s.db.VectorClock(ctx)
	if err != nil {
		return 0, fmt.Errorf("docstore: read vector clock: %w", err)
	}
	raw, err := fetcher.FetchDocs(ctx, clock)
	if err != nil {
		return 0, fmt.Errorf("docstore: fetch docs: %w", err)
	}

	docs := make([]wire.DocPayload, 0, len(raw))
	for _, payload := range raw {
		doc, err := wire.UnmarshalDocPayload(payload)
		if err != nil {
			return 0, fmt.Errorf("docstore: unmarshal fetched payload: %w", err)
		}
		docs = append(docs, doc)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return priorityOf(Schema(docs[i].Schema)) < priorityOf(Schema(docs[j].Schema))
	})

	if bus != nil {
		bus.BeginTxn()
		defer bus.EndTxn()
	}

	changed := 0
	for _, doc := range docs {
		didChange, err := s.mergeIncoming(ctx, doc)
		if err != nil {
			return changed, fmt.Errorf("docstore: merge %s: %w", doc.ID, err)
		}
		if didChange {
			changed++
			if bus != nil {
				bus.Publish(events.Event{Type: events.DocUpdated, Payload: doc.ID, DedupeKey: doc.ID})
			}
			if Schema(doc.Schema) == SchemaAccountRoot {
				if err := s.notifyAccountChange(ctx, doc, bus); err != nil {
					return changed, fmt.Errorf("docstore: notify account change %s: %w", doc.ID, err)
				}
			}
		}
	}
	return changed, nil
}

// notifyAccountChange records a local notification for an incoming
// Account-root change — a contact, label or device entry added or
// removed by another device — and broadcasts NotificationsUpdated so
// the host application's unread badge can refresh without polling
// (spec.md supplemented feature: notifications surface account-view
// changes the way bolik_sdk's local_notifications table does).
func (s *Store) notifyAccountChange(ctx context.Context, doc wire.DocPayload, bus *events.Bus) error {
	id, err := newDocumentID()
	if err != nil {
		return err
	}
	n := store.Notification{
		ID:        id,
		Body:      []byte(fmt.Sprintf("account %s updated", doc.ID)),
		CreatedAt: s.clk.Now(),
	}
	if err := s.db.PutNotification(ctx, n); err != nil {
		return err
	}
	if bus != nil {
		bus.Publish(events.Event{Type: events.NotificationsUpdated, Payload: n.ID})
	}
	return nil
}

// mergeIncoming verifies, decrypts and folds a single pulled payload
// into local state, reporting whether it introduced anything new.
func (s *Store) mergeIncoming(ctx context.Context, doc wire.DocPayload) (bool, error) {
	pubKey, _, err := s.members.SigningKeyFor(ctx, doc.AuthorDeviceID)
	if err != nil {
		return false, fmt.Errorf("resolve signer %s: %w", doc.AuthorDeviceID, err)
	}
	sig := icrypto.SignatureRecord{Algorithm: icrypto.AlgorithmEd25519, Bytes: doc.AuthorSignature}
	if err := icrypto.Verify(pubKey, docSigningBytes(doc), sig); err != nil {
		return false, fmt.Errorf("verify signature: %w", err)
	}

	secret, err := s.resolveDecryptKey(ctx, doc)
	if err != nil {
		return false, err
	}

	priorCounter, hadPrior, err := s.db.VectorClockCounter(ctx, doc.AuthorDeviceID)
	if err != nil {
		return false, fmt.Errorf("read prior counter: %w", err)
	}
	changed := !hadPrior || doc.Counter > priorCounter

	local, err := s.Load(ctx, doc.ID)
	isNew := err != nil
	if isNew {
		local = &Card{
			ID:        doc.ID,
			Schema:    Schema(doc.Schema),
			CreatedAt: s.clk.Now(),
			Doc:       crdt.NewDocument(s.client),
		}
	}

	if len(doc.ContentCiphertext) > 0 {
		plain, err := icrypto.Open(secret.Key, doc.ContentCiphertext)
		if err != nil {
			return false, fmt.Errorf("decrypt content: %w", err)
		}
		if err := crdt.MergeContent(local.Doc.Content, plain); err != nil {
			return false, fmt.Errorf("merge content: %w", err)
		}
	}
	aclPlain, err := icrypto.Open(secret.Key, doc.ACLCiphertext)
	if err != nil {
		return false, fmt.Errorf("decrypt acl: %w", err)
	}
	if err := crdt.MergeACL(local.Doc.ACL, aclPlain); err != nil {
		return false, fmt.Errorf("merge acl: %w", err)
	}

	contentCT, aclCT, err := encryptDocument(secret.Key, local.Doc)
	if err != nil {
		return false, fmt.Errorf("re-encrypt merged doc: %w", err)
	}

	authorDeviceID, counter := local.AuthorDeviceID, local.Counter
	if isNew || doc.Counter > counter {
		authorDeviceID, counter = doc.AuthorDeviceID, doc.Counter
	}
	now := s.clk.Now()
	sd := store.StoredDocument{
		ID:                doc.ID,
		Schema:            int(doc.Schema),
		ContentCiphertext: contentCT,
		ACLCiphertext:     aclCT,
		SecretID:          secret.ID,
		AuthorDeviceID:    authorDeviceID,
		Counter:           counter,
		CreatedAt:         local.CreatedAt,
		EditedAt:          now,
	}
	if err := s.db.PutDocument(ctx, sd); err != nil {
		return false, fmt.Errorf("persist merged doc: %w", err)
	}
	if err := s.db.AdvanceVectorClock(ctx, doc.AuthorDeviceID, doc.Counter); err != nil {
		return false, fmt.Errorf("advance clock for %s: %w", doc.AuthorDeviceID, err)
	}

	if doc.Schema == uint32(SchemaCardV1) {
		card := &Card{ID: doc.ID, Schema: SchemaCardV1, Doc: local.Doc}
		if err := s.reindex(ctx, card, nil); err != nil {
			return false, fmt.Errorf("reindex merged doc: %w", err)
		}
	}

	return changed, nil
}

// resolveDecryptKey tries the secret the author referenced first,
// falling back to every plausible secret for the payload's account
// set (spec.md §4.2: "reads try all plausible secrets for that
// account set; failure to decrypt with any is a hard error").
func (s *Store) resolveDecryptKey(ctx context.Context, doc wire.DocPayload) (Secret, error) {
	if doc.SecretID != "" {
		if sec, err := s.secrets.SecretByID(ctx, doc.SecretID); err == nil {
			if _, derr := icrypto.Open(sec.Key, doc.ACLCiphertext); derr == nil {
				return sec, nil
			}
		}
	}
	candidates, err := s.secrets.SecretsForAccounts(ctx, doc.Participants)
	if err != nil {
		return Secret{}, fmt.Errorf("secrets for accounts: %w", err)
	}
	for _, sec := range candidates {
		if _, derr := icrypto.Open(sec.Key, doc.ACLCiphertext); derr == nil {
			return sec, nil
		}
	}
	return Secret{}, fmt.Errorf("%w: doc %s", apperr.ErrSecretNotFound, doc.ID)
}
