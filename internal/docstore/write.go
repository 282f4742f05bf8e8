package docstore

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/inkline-dev/inkline/internal/crdt"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/store"
)

const (
	labelAll = "bolik-all"
	labelBin = "bolik-bin"
)

// EditOptions carries the inputs Save needs beyond the mutated
// document itself.
type EditOptions struct {
	// AccountIDs is the document secret's owning account set.
	AccountIDs []string
	// Participants is the push payload's participant list when the
	// ACL is in Custom mode (spec.md §4.3); ignored in Normal mode,
	// where participants are always derived from the ACL itself.
	Participants []string
	// LabelIDs is the CardV1 document's current per-account label
	// assignment, consulted only when Schema == SchemaCardV1
	// (spec.md §4.3 step 5).
	LabelIDs []string
}

// NewCard returns a fresh, empty document owned locally by this device.
func (s *Store) NewCard(id string, schema Schema) *Card {
	return &Card{ID: id, Schema: schema, Doc: crdt.NewDocument(s.client)}
}

// Save stamps card's write metadata (spec.md §4.3 steps 2-4: author,
// counter, edited_at, per-device counter advance), encrypts its
// current CRDT state, persists it, reindexes it if it's a CardV1
// document, and enqueues it for push. Callers apply CRDT mutations to
// card.Doc before calling Save.
func (s *Store) Save(ctx context.Context, card *Card, opts EditOptions) error {
	next, ok, err := s.db.VectorClockCounter(ctx, s.deviceID)
	if err != nil {
		return fmt.Errorf("docstore: read local counter: %w", err)
	}
	if !ok {
		next = 0
	}
	next++

	now := s.clk.Now()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.AuthorDeviceID = s.deviceID
	card.Counter = next
	card.EditedAt = now

	secret, err := s.secrets.ActiveSecret(ctx, opts.AccountIDs)
	if err != nil {
		return fmt.Errorf("docstore: active secret for %s: %w", card.ID, err)
	}
	contentCT, aclCT, err := encryptDocument(secret.Key, card.Doc)
	if err != nil {
		return fmt.Errorf("docstore: encrypt %s: %w", card.ID, err)
	}

	sd := store.StoredDocument{
		ID:                card.ID,
		Schema:            int(card.Schema),
		ContentCiphertext: contentCT,
		ACLCiphertext:     aclCT,
		SecretID:          secret.ID,
		AuthorDeviceID:    card.AuthorDeviceID,
		Counter:           card.Counter,
		CreatedAt:         card.CreatedAt,
		EditedAt:          card.EditedAt,
	}
	if err := s.db.PutDocument(ctx, sd); err != nil {
		return fmt.Errorf("docstore: persist %s: %w", card.ID, err)
	}
	if err := s.db.AdvanceVectorClock(ctx, s.deviceID, next); err != nil {
		return fmt.Errorf("docstore: advance own clock: %w", err)
	}

	if card.Schema == SchemaCardV1 {
		if err := s.reindex(ctx, card, opts.LabelIDs); err != nil {
			return fmt.Errorf("docstore: reindex %s: %w", card.ID, err)
		}
	}

	participants := participantsFor(card.Doc, opts.Participants)
	payload, err := s.signPayload(card, secret.ID, contentCT, aclCT, participants, nil)
	if err != nil {
		return fmt.Errorf("docstore: sign %s: %w", card.ID, err)
	}
	if err := s.db.EnqueuePushDoc(ctx, payload, now); err != nil {
		return fmt.Errorf("docstore: enqueue push %s: %w", card.ID, err)
	}
	return nil
}

// reindex rebuilds a CardV1 document's full-text search row, injecting
// the bolik-all label iff bolik-bin is absent — the cheap "everything
// not in the bin" query spec.md §4.3 describes.
func (s *Store) reindex(ctx context.Context, card *Card, labelIDs []string) error {
	labels := make([]string, 0, len(labelIDs)+1)
	hasBin := false
	for _, id := range labelIDs {
		labels = append(labels, id)
		if id == labelBin {
			hasBin = true
		}
	}
	if !hasBin {
		labels = append(labels, labelAll)
	}

	var text strings.Builder
	for _, blockID := range card.Doc.Content.BlockIDs() {
		text.WriteString(card.Doc.Content.Block(blockID).Text())
		text.WriteByte('\n')
	}
	return s.db.IndexCardText(ctx, card.ID, text.String(), strings.Join(labels, ","))
}

// MoveToBin writes the bin timestamp and re-saves the card (spec.md
// §4.3 Deletion: "writes fields[bolik-bin] = now_sec").
func (s *Store) MoveToBin(ctx context.Context, card *Card, opts EditOptions) error {
	card.Doc.ACL.MoveToBin(s.clk.Now().Unix())
	return s.Save(ctx, card, opts)
}

// RestoreFromBin restores a binned card under a freshly minted id: a
// restored card is a new document, not a continuation of the binned
// one (spec.md §8 scenario 5: "the restored card has a new id"), so it
// wraps card's CRDT document in a new Card under that id (the two Cards
// share the same *crdt.Document, so card's bin timestamp is cleared
// too), saves it, and deletes the old binned document.
func (s *Store) RestoreFromBin(ctx context.Context, card *Card, opts EditOptions) (*Card, error) {
	newID, err := newDocumentID()
	if err != nil {
		return nil, fmt.Errorf("docstore: mint restored card id: %w", err)
	}
	restored := &Card{ID: newID, Schema: card.Schema, Doc: card.Doc}
	restored.Doc.ACL.RestoreFromBin()
	if err := s.Save(ctx, restored, opts); err != nil {
		return nil, fmt.Errorf("docstore: save restored card %s: %w", newID, err)
	}
	if err := s.db.DeleteDocument(ctx, card.ID); err != nil {
		return nil, fmt.Errorf("docstore: delete binned card %s: %w", card.ID, err)
	}
	return restored, nil
}

// newDocumentID mints a fresh base58 document id from random key
// material, the same construction client.newRandomID uses for mailbox
// message ids.
func newDocumentID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return icrypto.IDFromKey(buf), nil
}

// EmptyBin permanently deletes every local document that has sat in
// the bin for at least retention, per spec.md §4.3/§4.9. It does not
// itself broadcast the delete to other ACL participants — each
// device runs this independently once its own retention window
// elapses, which is sufficient once CRDT convergence has propagated
// the bin timestamp everywhere.
func (s *Store) EmptyBin(ctx context.Context, candidateIDs []string, retention time.Duration, now time.Time) (int, error) {
	deleted := 0
	for _, id := range candidateIDs {
		card, err := s.Load(ctx, id)
		if err != nil {
			continue
		}
		binnedAt, ok := card.Doc.ACL.BinnedAt()
		if !ok {
			continue
		}
		if now.Sub(time.Unix(binnedAt, 0)) < retention {
			continue
		}
		if err := s.db.DeleteDocument(ctx, id); err != nil {
			return deleted, fmt.Errorf("docstore: empty bin %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}
