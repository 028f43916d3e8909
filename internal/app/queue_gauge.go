package app

import (
	"context"
	"time"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// QueueGaugeLoop mirrors queue depth and load into Prometheus gauges on a
// ticker. The queue manager itself stays free of metrics imports.
func QueueGaugeLoop(ctx context.Context, q domain.QueueManager, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range q.Stats() {
				observability.ObserveQueue(st.NodeID, st.QueueLength, st.TotalWaitSeconds)
			}
		}
	}
}
