package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inkline-dev/inkline/internal/events"
	"github.com/inkline-dev/inkline/internal/scheduler"
)

func TestTasksExecuteSequentially(t *testing.T) {
	var running int32
	var maxConcurrent int32

	track := func() error {
		n := atomic.AddInt32(&running, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	s := scheduler.New(scheduler.Handlers{
		EmptyBin:     func(ctx context.Context) error { return track() },
		ProcessFiles: func(ctx context.Context, cardID string) error { return track() },
	}, nil, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var acks []chan struct{}
	for i := 0; i < 5; i++ {
		ack := make(chan struct{})
		acks = append(acks, ack)
		require.NoError(t, s.Enqueue(ctx, scheduler.Task{Kind: scheduler.KindEmptyBin, OneshotAck: ack}))
	}
	for _, ack := range acks {
		<-ack
	}

	require.Equal(t, int32(1), maxConcurrent, "tasks must run one at a time")
}

func TestSyncPublishesSyncedOnSuccess(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)

	s := scheduler.New(scheduler.Handlers{
		Sync: func(ctx context.Context) error { return nil },
	}, bus, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	ack := make(chan struct{})
	require.NoError(t, s.Enqueue(ctx, scheduler.Task{Kind: scheduler.KindSync, OneshotAck: ack}))
	<-ack

	select {
	case ev := <-ch:
		require.Equal(t, events.Synced, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a Synced event")
	}
}

func TestDownloadFileFailurePublishesDownloadFailed(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)

	s := scheduler.New(scheduler.Handlers{
		DownloadFile: func(ctx context.Context, cardID, fileID string) error {
			return errors.New("network down")
		},
	}, bus, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	ack := make(chan struct{})
	require.NoError(t, s.Enqueue(ctx, scheduler.Task{Kind: scheduler.KindDownloadFile, CardID: "card-1", FileID: "file-1", OneshotAck: ack}))
	<-ack

	select {
	case ev := <-ch:
		require.Equal(t, events.DownloadFailed, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a DownloadFailed event")
	}
}

func TestRetryIntervalCapsAtMax(t *testing.T) {
	require.Equal(t, time.Second, scheduler.RetryInterval(0, time.Second, 30*time.Second))
	require.Equal(t, 2*time.Second, scheduler.RetryInterval(1, time.Second, 30*time.Second))
	require.Equal(t, 30*time.Second, scheduler.RetryInterval(10, time.Second, 30*time.Second))
}
