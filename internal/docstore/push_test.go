package docstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/docstore"
	"github.com/inkline-dev/inkline/internal/wire"
)

type fakePusher struct {
	accepted    [][]byte
	pushErr     error
	conflictFor int // number of PushDoc calls that should return ErrCounterConflict before succeeding
	calls       int
	serverVer   uint64
}

func (p *fakePusher) PushDoc(ctx context.Context, payload []byte) error {
	p.calls++
	if p.calls <= p.conflictFor {
		return apperr.ErrCounterConflict
	}
	if p.pushErr != nil {
		return p.pushErr
	}
	p.accepted = append(p.accepted, payload)
	return nil
}

func (p *fakePusher) DocVersion(ctx context.Context, docID, authorDeviceID string) (uint64, error) {
	if p.serverVer == 0 {
		return 0, apperr.ErrNotFound
	}
	return p.serverVer, nil
}

func TestPushDrainsQueueOnSuccess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	pusher := &fakePusher{}
	n, err := s.Push(ctx, pusher, 10, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, pusher.accepted, 1)

	n, err = s.Push(ctx, pusher, 10, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPushRetriesOnCounterConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	pusher := &fakePusher{conflictFor: 1, serverVer: 5}
	n, err := s.Push(ctx, pusher, 10, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, pusher.accepted, 1)

	doc, err := wire.UnmarshalDocPayload(pusher.accepted[0])
	require.NoError(t, err)
	require.Greater(t, doc.Counter, pusher.serverVer)
}

func TestPushBacksOffOnTransportFailureAndGatesRetries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	s, _ := newDevice(t, db, "dev-1")

	card := s.NewCard("card-1", docstore.SchemaCardV1)
	require.NoError(t, s.Save(ctx, card, docstore.EditOptions{AccountIDs: []string{"acc-1"}}))

	pusher := &fakePusher{pushErr: errors.New("transport boom")}
	n, err := s.Push(ctx, pusher, 10, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 1, pusher.calls)

	// Still backing off: a second round this instant must not retry.
	n, err = s.Push(ctx, pusher, 10, time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, 1, pusher.calls)
}
