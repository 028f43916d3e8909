package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

type countingQueue struct {
	statsQueue
	mu    sync.Mutex
	calls int
}

func (q *countingQueue) Stats() []domain.NodeQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return []domain.NodeQueueStats{{NodeID: 0, QueueLength: 1, TotalWaitSeconds: 60}}
}

func (q *countingQueue) callCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}

func TestQueueGaugeLoop_StopsOnCancel(t *testing.T) {
	t.Parallel()

	q := &countingQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		QueueGaugeLoop(ctx, q, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return q.callCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gauge loop did not stop after cancel")
	}
}
