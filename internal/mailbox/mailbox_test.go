package mailbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/mailbox"
	icrypto "github.com/inkline-dev/inkline/internal/crypto"
	"github.com/inkline-dev/inkline/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	key, err := icrypto.GenerateKey()
	require.NoError(t, err)
	db, err := store.Open(context.Background(), ":memory:", key)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestValidateCreatedAtRejectsOutOfRange(t *testing.T) {
	require.NoError(t, mailbox.ValidateCreatedAt(0, 0))
	require.NoError(t, mailbox.ValidateCreatedAt(1700000000, 999999999))

	require.ErrorIs(t, mailbox.ValidateCreatedAt(-1, 0), apperr.ErrInvalidCreatedAt)
	require.ErrorIs(t, mailbox.ValidateCreatedAt(1<<62, 0), apperr.ErrInvalidCreatedAt)
	require.ErrorIs(t, mailbox.ValidateCreatedAt(0, -1), apperr.ErrInvalidCreatedAt)
	require.ErrorIs(t, mailbox.ValidateCreatedAt(0, 1_000_000_000), apperr.ErrInvalidCreatedAt)
}

type fakePusher struct {
	accept []string
}

func (p *fakePusher) Push(ctx context.Context, deviceID string, messages []mailbox.Message) ([]string, error) {
	if p.accept != nil {
		return p.accept, nil
	}
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	return ids, nil
}

func TestDrainPushDequeuesAcceptedMessages(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	q := mailbox.New(db)

	require.NoError(t, q.Enqueue(ctx, mailbox.Message{ID: "m-1", Body: []byte("hello")}))
	require.NoError(t, q.Enqueue(ctx, mailbox.Message{ID: "m-2", Body: []byte("world")}))

	n, err := q.DrainPush(ctx, "dev-1", &fakePusher{}, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = q.DrainPush(ctx, "dev-1", &fakePusher{}, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n, "queue must be empty after a full drain")
}

type fakeFetcher struct {
	toFetch []mailbox.Message
	acked   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, deviceID string) ([]mailbox.Message, error) {
	return f.toFetch, nil
}

func (f *fakeFetcher) Ack(ctx context.Context, deviceID string, messageIDs []string) error {
	f.acked = append(f.acked, messageIDs...)
	return nil
}

func TestProcessAcksEvenOnHandlerFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	q := mailbox.New(db)

	fetcher := &fakeFetcher{toFetch: []mailbox.Message{
		{ID: "m-1", Body: []byte("ok")},
		{ID: "m-2", Body: []byte("bad")},
	}}

	var handled []string
	n, err := q.Process(ctx, "dev-1", fetcher, func(m mailbox.Message) error {
		handled = append(handled, m.ID)
		if m.ID == "m-2" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.ElementsMatch(t, []string{"m-1", "m-2"}, handled)
	require.ElementsMatch(t, []string{"m-1", "m-2"}, fetcher.acked, "a message that fails to process must still be acked")

	_ = time.Now()
}
