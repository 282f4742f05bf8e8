package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/apperr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutDocEnforcesStrictCounterOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.putDoc(ctx, "doc-1", "dev-1", 1, []byte("v1"), []string{"acc-1"}, now))
	require.NoError(t, s.putDoc(ctx, "doc-1", "dev-1", 2, []byte("v2"), []string{"acc-1"}, now))

	err := s.putDoc(ctx, "doc-1", "dev-1", 2, []byte("v2-again"), []string{"acc-1"}, now)
	require.ErrorIs(t, err, apperr.ErrCounterConflict)

	err = s.putDoc(ctx, "doc-1", "dev-1", 1, []byte("v1-replay"), []string{"acc-1"}, now)
	require.ErrorIs(t, err, apperr.ErrCounterConflict)
}

func TestDocsSinceRespectsParticipantsAndClock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.putDoc(ctx, "doc-1", "dev-1", 1, []byte("v1"), []string{"acc-1"}, now))
	require.NoError(t, s.putDoc(ctx, "doc-1", "dev-1", 2, []byte("v2"), []string{"acc-1"}, now.Add(time.Second)))
	require.NoError(t, s.putDoc(ctx, "doc-2", "dev-1", 1, []byte("other-account"), []string{"acc-2"}, now))

	payloads, err := s.docsSince(ctx, "acc-1", map[string]uint64{"dev-1": 1})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	require.Equal(t, "v2", string(payloads[0]))
}

func TestMarkAndSweepUnusedBlobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.putBlob(ctx, "blob-1", "dev-1", "bucket", "path/blob-1", 100))
	require.NoError(t, s.markBlobUploaded(ctx, "blob-1", "dev-1"))

	marked, err := s.markUnusedBlobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, marked, 1)

	// Not yet past the sweep delay.
	swept, err := s.sweepMarkedBlobs(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, swept, 0)

	swept, err = s.sweepMarkedBlobs(ctx, now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	require.Equal(t, "path/blob-1", swept[0].Path)

	_, uploaded, err := s.blobPath(ctx, "blob-1", "dev-1")
	require.Error(t, err)
	_ = uploaded
}

func TestMarkSkipsBlobsBoundToADocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.putBlob(ctx, "blob-1", "dev-1", "bucket", "path/blob-1", 100))
	require.NoError(t, s.markBlobUploaded(ctx, "blob-1", "dev-1"))
	require.NoError(t, s.bindDocBlob(ctx, "acc-1", "doc-1", "blob-1", "dev-1"))

	marked, err := s.markUnusedBlobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, marked, 0, "a blob still referenced by a document must not be marked")
}

func TestSweepSparesBlobReferencedAfterMark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	require.NoError(t, s.putBlob(ctx, "blob-1", "dev-1", "bucket", "path/blob-1", 100))
	require.NoError(t, s.markBlobUploaded(ctx, "blob-1", "dev-1"))

	marked, err := s.markUnusedBlobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, marked, 1)

	// A new document references the blob again between mark and sweep.
	require.NoError(t, s.bindDocBlob(ctx, "acc-1", "doc-1", "blob-1", "dev-1"))

	swept, err := s.sweepMarkedBlobs(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, swept, 0, "a blob referenced again before sweep must survive")

	path, uploaded, err := s.blobPath(ctx, "blob-1", "dev-1")
	require.NoError(t, err)
	require.True(t, uploaded)
	require.Equal(t, "path/blob-1", path)
}

func TestBuildSignedPayloadIsOrderStable(t *testing.T) {
	a := buildSignedPayload("ts", "POST", "/api/docs", "q=1")
	b := buildSignedPayload("ts", "POST", "/api/docs", "q=1")
	require.Equal(t, a, b)

	c := buildSignedPayload("ts", "GET", "/api/docs", "q=1")
	require.NotEqual(t, a, c)
}
