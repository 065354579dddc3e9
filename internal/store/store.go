// Package store defines the durable repository consumed by the transaction
// core. Implementations must make CreateTransaction and CreateReturn atomic:
// every row they write becomes visible together or not at all, and the stock
// sufficiency check shares a locking scope with the decrement so concurrent
// sales of the last unit cannot both pass.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
)

type Repository interface {
	// Entity lookups. Missing entities surface as apperr not-found values.
	GetStore(ctx context.Context, id int64) (*domain.Store, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetCustomer(ctx context.Context, id int64) (*domain.Customer, error)
	// GetProductsByIDs returns only the products that exist; callers compare
	// the returned set against the requested set.
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	GetStockMap(ctx context.Context, productIDs []int64) (map[int64]int, error)
	GetLoyaltyMemberByCustomer(ctx context.Context, customerID int64) (*domain.LoyaltyMember, error)

	// CreateTransaction persists the transaction graph in one atomic unit:
	// the transaction row, its items, SALE stock decrements plus movement
	// rows, payment rows, and the loyalty outbox entries. Insufficient stock
	// discovered under lock aborts the whole unit. A duplicate reference id
	// returns the previously persisted transaction.
	CreateTransaction(ctx context.Context, tx domain.Transaction, outbox []domain.LoyaltyOutboxEntry) (*domain.Transaction, error)
	FindTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, referenceID string) (*domain.Transaction, error)
	// UpdateTransaction applies a status and/or notes change under lock,
	// enforcing the status transition table.
	UpdateTransaction(ctx context.Context, id int64, req domain.UpdateTransactionRequest) (*domain.Transaction, error)
	ListTransactionsByStore(ctx context.Context, storeID int64, limit, offset int) ([]domain.Transaction, error)
	ListTransactionsByCustomer(ctx context.Context, customerID int64, limit, offset int) ([]domain.Transaction, error)
	SearchTransactions(ctx context.Context, storeID int64, keyword string, limit int) ([]domain.Transaction, error)

	// CreateReturn persists the return graph atomically: the return row, its
	// refund items, restock movements for items flagged restocked, and the
	// originating transaction's status transition. It re-validates the refund
	// amount and per-item quantity bounds under lock.
	CreateReturn(ctx context.Context, ret domain.Return, fullRefund bool) (*domain.Return, error)
	// RefundedQtyByTransaction reports cumulative refunded quantity keyed by
	// transaction item id.
	RefundedQtyByTransaction(ctx context.Context, transactionID int64) (map[int64]int, error)
	RefundedAmountByTransaction(ctx context.Context, transactionID int64) (decimal.Decimal, error)

	// AdjustStock applies one signed stock delta and appends its movement
	// row. Negative deltas are conditional: going below zero fails with
	// insufficient stock and writes nothing.
	AdjustStock(ctx context.Context, movement domain.StockMovement) error
	ListStockMovements(ctx context.Context, referenceID string, limit int) ([]domain.StockMovement, error)

	TransactionAnalytics(ctx context.Context, storeID int64, from, to time.Time) (domain.AnalyticsReport, error)

	PendingLoyaltyOutbox(ctx context.Context, limit int) ([]domain.LoyaltyOutboxEntry, error)
	MarkLoyaltyOutbox(ctx context.Context, id int64, status domain.OutboxStatus, attempts int, lastError string) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID int64, from, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}
