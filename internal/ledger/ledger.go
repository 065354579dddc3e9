// Package ledger exposes stock mutation as a narrow port so the transaction
// core never talks to inventory rows directly.
package ledger

import (
	"context"

	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
	"github.com/chainsyncstore/ChainSync-sub008/internal/store"
)

// StockLedger applies signed stock deltas. Decrements are conditional: a
// delta that would take stock below zero fails and writes nothing.
type StockLedger interface {
	Adjust(ctx context.Context, productID int64, qtyDelta int, reason string, txType domain.TransactionType, referenceID string) error
	Movements(ctx context.Context, referenceID string, limit int) ([]domain.StockMovement, error)
}

type repoLedger struct {
	repo store.Repository
}

// New wraps the repository's stock operations in the StockLedger port.
func New(repo store.Repository) StockLedger {
	return &repoLedger{repo: repo}
}

func (l *repoLedger) Adjust(ctx context.Context, productID int64, qtyDelta int, reason string, txType domain.TransactionType, referenceID string) error {
	return l.repo.AdjustStock(ctx, domain.StockMovement{
		ProductID:   productID,
		QtyDelta:    qtyDelta,
		Reason:      reason,
		TxType:      txType,
		ReferenceID: referenceID,
	})
}

func (l *repoLedger) Movements(ctx context.Context, referenceID string, limit int) ([]domain.StockMovement, error) {
	return l.repo.ListStockMovements(ctx, referenceID, limit)
}
