package services

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically reconciles every active salon's queue and prunes
// expired push subscriptions. It repairs drift left by crashed writers:
// positions and estimates are recomputed from the ledger itself.
type Sweeper struct {
	queue    *QueueService
	registry PushRegistry
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewSweeper(queue *QueueService, registry PushRegistry, interval time.Duration) *Sweeper {
	return &Sweeper{
		queue:    queue,
		registry: registry,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("queue sweeper started", "interval", s.interval)
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	salons, err := s.queue.ActiveSalons(ctx)
	if err != nil {
		slog.Error("sweep: list active salons", "error", err)
		return
	}

	for _, salonID := range salons {
		if err := s.queue.Recompute(ctx, salonID); err != nil {
			slog.Error("sweep: recompute queue", "salon_id", salonID, "error", err)
		}
	}

	if s.registry != nil {
		pruned, err := s.registry.PruneExpired(ctx)
		if err != nil {
			slog.Error("sweep: prune push subscriptions", "error", err)
		} else if pruned > 0 {
			slog.Info("pruned expired push subscriptions", "count", pruned)
		}
	}
}

func (s *Sweeper) Shutdown() {
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue sweeper stopped")
	case <-time.After(5 * time.Second):
		slog.Warn("timeout waiting for sweeper to stop")
	}
}
