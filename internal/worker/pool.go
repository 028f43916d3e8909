package worker

import (
	"sync"

	"log/slog"

	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// Pool owns one worker per node.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool builds a worker for every configured node.
func NewPool(cfg config.Config, q domain.QueueManager, jobs domain.JobRepository,
	nodes domain.NodeStateRepository, factory domain.ExecutorFactory, events domain.EventPublisher) *Pool {
	p := &Pool{}
	for nodeID := 0; nodeID < cfg.NumNodes(); nodeID++ {
		p.workers = append(p.workers, New(nodeID, cfg, q, jobs, nodes, factory, events))
	}
	return p
}

// Start launches every worker loop. The loops stop when ctx is cancelled.
func (p *Pool) Start(ctx domain.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
	slog.Info("worker pool started", slog.Int("workers", len(p.workers)))
}

// Wait blocks until every worker loop has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
	slog.Info("worker pool stopped")
}
