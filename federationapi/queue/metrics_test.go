package queue

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveSendQueueDepth(t *testing.T) {
	sendQueueDepthValue.Store(0)
	sendQueueDepth.Set(0)

	observeSendQueueDepth(3)
	require.InDelta(t, 3, testutil.ToFloat64(sendQueueDepth), 0.0001)

	// Draining a batch larger than one step must land on the running total,
	// not the last gauge value.
	observeSendQueueDepth(-2)
	require.InDelta(t, 1, testutil.ToFloat64(sendQueueDepth), 0.0001)

	observeSendQueueDepth(-1)
	require.InDelta(t, 0, testutil.ToFloat64(sendQueueDepth), 0.0001)
}

func TestObserveSendQueueDepthConcurrent(t *testing.T) {
	sendQueueDepthValue.Store(0)
	sendQueueDepth.Set(0)

	// Simulate several destination queues enqueueing and draining at once.
	// The balanced deltas must cancel out exactly.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				observeSendQueueDepth(5)
				observeSendQueueDepth(-5)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 0, sendQueueDepthValue.Load())
	// Gauge writes from the racing goroutines may land out of order; the
	// next observation resynchronises it with the running total.
	observeSendQueueDepth(0)
	require.InDelta(t, 0, testutil.ToFloat64(sendQueueDepth), 0.0001)
}
