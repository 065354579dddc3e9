package loyalty

import (
	"context"
	"log"
	"time"

	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
	"github.com/chainsyncstore/ChainSync-sub008/internal/store"
)

// Dispatcher polls the pending outbox and pushes entries at the publisher.
// Each failure increments the attempt count; an entry that exhausts its
// attempts is parked as failed and left for operator inspection.
type Dispatcher struct {
	repo        store.Repository
	publisher   Publisher
	interval    time.Duration
	maxAttempts int
	batchSize   int
}

func NewDispatcher(repo store.Repository, publisher Publisher, interval time.Duration, maxAttempts int) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Dispatcher{
		repo:        repo,
		publisher:   publisher,
		interval:    interval,
		maxAttempts: maxAttempts,
		batchSize:   50,
	}
}

// Run blocks until ctx is cancelled, draining the outbox once per tick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				log.Printf("[loyalty-dispatcher] WARN: drain failed: %v", err)
			}
		}
	}
}

// DrainOnce processes one batch of pending entries. Exposed so tests and the
// shutdown path can flush without waiting for a tick.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	entries, err := d.repo.PendingLoyaltyOutbox(ctx, d.batchSize)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := d.publisher.Publish(ctx, entry); err != nil {
			attempts := entry.Attempts + 1
			status := domain.OutboxPending
			if attempts >= d.maxAttempts {
				status = domain.OutboxFailed
				log.Printf("[loyalty-dispatcher] WARN: entry %d parked after %d attempts: %v", entry.ID, attempts, err)
			}
			if markErr := d.repo.MarkLoyaltyOutbox(ctx, entry.ID, status, attempts, err.Error()); markErr != nil {
				return markErr
			}
			continue
		}
		if err := d.repo.MarkLoyaltyOutbox(ctx, entry.ID, domain.OutboxDispatched, entry.Attempts+1, ""); err != nil {
			return err
		}
	}
	return nil
}
