// Package loyalty carries point accrual and redemption out of the sale path.
// The core writes outbox rows inside the sale's atomic unit; the dispatcher
// drains them toward a Publisher. A broken publisher therefore degrades
// loyalty without ever failing a sale.
package loyalty

import (
	"context"
	"log"

	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
)

// Publisher delivers one outbox entry to the loyalty backend.
type Publisher interface {
	Publish(ctx context.Context, entry domain.LoyaltyOutboxEntry) error
	Close() error
}

// LogPublisher is the fallback when no broker is configured. It records the
// entry on the process log so a dev environment still shows the flow.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, entry domain.LoyaltyOutboxEntry) error {
	log.Printf("[loyalty] %s %d points for member %d (transaction %d)",
		entry.Direction, entry.Points, entry.MemberID, entry.TransactionID)
	return nil
}

func (LogPublisher) Close() error { return nil }
