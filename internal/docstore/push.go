package docstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/scheduler"
	"github.com/inkline-dev/inkline/internal/wire"
)

// Pusher delivers a serialized document payload to the relay and
// reports a counter conflict via apperr.ErrCounterConflict, or
// resolves the highest counter the relay has already accepted for a
// given (doc, author device) pair — the shape handlePushDoc/
// handleDocVersion expose (spec.md §4.3 push pipeline, §6 transport).
type Pusher interface {
	PushDoc(ctx context.Context, payload []byte) error
	DocVersion(ctx context.Context, docID, authorDeviceID string) (uint64, error)
}

// docSigningBytes returns the canonical bytes a document's author
// signs: every payload field except the signature itself, fixed field
// order, mirroring internal/chain's block signing payload.
func docSigningBytes(d wire.DocPayload) []byte {
	var buf bytes.Buffer
	writeLenPrefixed(&buf, []byte(d.ID))
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], d.Counter)
	buf.Write(counterBytes[:])
	writeLenPrefixed(&buf, []byte(d.AuthorDeviceID))
	var schemaBytes [4]byte
	binary.BigEndian.PutUint32(schemaBytes[:], d.Schema)
	buf.Write(schemaBytes[:])
	writeLenPrefixed(&buf, d.ContentCiphertext)
	writeLenPrefixed(&buf, d.ACLCiphertext)
	writeLenPrefixed(&buf, []byte(d.SecretID))
	for _, p := range d.Participants {
		writeLenPrefixed(&buf, []byte(p))
	}
	for _, id := range d.BlobIDs {
		writeLenPrefixed(&buf, []byte(id))
	}
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(b)))
	buf.Write(lenBytes[:])
	buf.Write(b)
}

// signPayload builds and signs a card's push envelope.
func (s *Store) signPayload(card *Card, secretID string, contentCT, aclCT []byte, participants, blobIDs []string) ([]byte, error) {
	d := wire.DocPayload{
		ID:                card.ID,
		Counter:           card.Counter,
		AuthorDeviceID:    card.AuthorDeviceID,
		Schema:            uint32(card.Schema),
		ContentCiphertext: contentCT,
		ACLCiphertext:     aclCT,
		SecretID:          secretID,
		Participants:      participants,
		BlobIDs:           blobIDs,
	}
	sig, err := s.signer.Sign(docSigningBytes(d))
	if err != nil {
		return nil, fmt.Errorf("sign doc payload: %w", err)
	}
	d.AuthorSignature = sig.Bytes
	return d.Marshal(), nil
}

// Push drains the local push_docs_queue, posting each payload to
// pusher. Entries still backing off in failed_docs are skipped this
// round. A counter conflict is resolved by re-reading the relay's
// version for that document, advancing the local clock to it, and
// re-signing with counter = server+1 (spec.md §4.3: "push retried with
// counter = max(local, server)+1"). A transport error records a
// backoff entry in failed_docs rather than blocking the rest of the
// batch.
func (s *Store) Push(ctx context.Context, pusher Pusher, limit int, backoffBase, backoffCap time.Duration) (int, error) {
	now := s.clk.Now()
	batch, err := s.db.PushDocsBatch(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("docstore: push batch: %w", err)
	}
	pending, err := s.db.PendingFailedDocs(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("docstore: pending failed docs: %w", err)
	}

	pushed := 0
	for _, q := range batch {
		payload := q.Message
		doc, err := wire.UnmarshalDocPayload(payload)
		if err != nil {
			return pushed, fmt.Errorf("docstore: unmarshal queued payload %d: %w", q.ID, err)
		}
		if pending[doc.ID+"/"+doc.AuthorDeviceID] {
			continue
		}

		err = pusher.PushDoc(ctx, payload)
		if errors.Is(err, apperr.ErrCounterConflict) {
			payload, err = s.retryWithServerCounter(ctx, pusher, doc)
			if err != nil {
				return pushed, err
			}
			err = pusher.PushDoc(ctx, payload)
		}
		if err != nil {
			tries, terr := s.db.FailedDocTries(ctx, doc.ID, doc.AuthorDeviceID)
			if terr != nil {
				return pushed, fmt.Errorf("docstore: read failed doc tries %s: %w", doc.ID, terr)
			}
			retryAfter := now.Add(scheduler.RetryInterval(tries, backoffBase, backoffCap))
			if ferr := s.db.UpsertFailedDoc(ctx, doc.ID, doc.AuthorDeviceID, retryAfter); ferr != nil {
				return pushed, fmt.Errorf("docstore: record failed push %s: %w", doc.ID, ferr)
			}
			continue
		}

		if err := s.db.DeleteFailedDoc(ctx, doc.ID, doc.AuthorDeviceID); err != nil {
			return pushed, fmt.Errorf("docstore: clear failed push %s: %w", doc.ID, err)
		}
		if err := s.db.DequeuePushDoc(ctx, q.ID); err != nil {
			return pushed, fmt.Errorf("docstore: dequeue push %d: %w", q.ID, err)
		}
		pushed++
	}
	return pushed, nil
}

// retryWithServerCounter bumps doc's counter above whatever the relay
// already holds for (doc.ID, doc.AuthorDeviceID) and re-signs it.
func (s *Store) retryWithServerCounter(ctx context.Context, pusher Pusher, doc wire.DocPayload) ([]byte, error) {
	serverCounter, err := pusher.DocVersion(ctx, doc.ID, doc.AuthorDeviceID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("docstore: doc version %s: %w", doc.ID, err)
	}
	next := serverCounter + 1
	if doc.Counter > next {
		next = doc.Counter
	}
	if err := s.db.AdvanceVectorClock(ctx, doc.AuthorDeviceID, serverCounter); err != nil {
		return nil, fmt.Errorf("docstore: advance clock for conflict %s: %w", doc.ID, err)
	}
	doc.Counter = next

	sig, err := s.signer.Sign(docSigningBytes(doc))
	if err != nil {
		return nil, fmt.Errorf("docstore: re-sign %s: %w", doc.ID, err)
	}
	doc.AuthorSignature = sig.Bytes
	return doc.Marshal(), nil
}

