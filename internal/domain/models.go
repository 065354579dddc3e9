package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies what a transaction row records. Only SALE moves
// stock at creation time; reversals go through the refund path.
type TransactionType string

const (
	TxTypeSale       TransactionType = "SALE"
	TxTypeReturn     TransactionType = "RETURN"
	TxTypeRefund     TransactionType = "REFUND"
	TxTypeExchange   TransactionType = "EXCHANGE"
	TxTypeLayaway    TransactionType = "LAYAWAY"
	TxTypePayment    TransactionType = "PAYMENT"
	TxTypeDeposit    TransactionType = "DEPOSIT"
	TxTypeWithdrawal TransactionType = "WITHDRAWAL"
	TxTypeAdjustment TransactionType = "ADJUSTMENT"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxTypeSale, TxTypeReturn, TxTypeRefund, TxTypeExchange, TxTypeLayaway,
		TxTypePayment, TxTypeDeposit, TxTypeWithdrawal, TxTypeAdjustment:
		return true
	}
	return false
}

type Store struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an operator account. Credentials are stored hashed; session
// handling lives outside this service.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Product struct {
	ID     int64           `json:"id"`
	SKU    string          `json:"sku"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Active bool            `json:"active"`
}

// LoyaltyMember links a customer to the loyalty program. A customer without a
// member row is simply not enrolled.
type LoyaltyMember struct {
	ID         int64 `json:"id"`
	CustomerID int64 `json:"customer_id"`
	Points     int64 `json:"points"`
}

type Transaction struct {
	ID            int64                `json:"id"`
	StoreID       int64                `json:"store_id"`
	UserID        int64                `json:"user_id"`
	CustomerID    *int64               `json:"customer_id,omitempty"`
	Type          TransactionType      `json:"type"`
	Subtotal      decimal.Decimal      `json:"subtotal"`
	Tax           decimal.Decimal      `json:"tax"`
	Discount      decimal.Decimal      `json:"discount"`
	Total         decimal.Decimal      `json:"total"`
	PaymentMethod string               `json:"payment_method"`
	Status        TransactionStatus    `json:"status"`
	Notes         string               `json:"notes,omitempty"`
	ReferenceID   string               `json:"reference_id"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	Items         []TransactionItem    `json:"items"`
	Payments      []TransactionPayment `json:"payments,omitempty"`
}

// TransactionItem is immutable once written; refunds reference it but never
// edit it. Subtotal always equals Quantity x UnitPrice - Discount.
type TransactionItem struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	ProductID     int64           `json:"product_id"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Discount      decimal.Decimal `json:"discount"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

type TransactionPayment struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Reference     string          `json:"reference,omitempty"`
	Status        string          `json:"status"`
}

// Return records a full or partial reversal of a transaction. Immutable once
// persisted; a correction is a new Return.
type Return struct {
	ID            int64           `json:"id"`
	TransactionID int64           `json:"transaction_id"`
	RefundNumber  string          `json:"refund_number"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	ProcessedBy   int64           `json:"processed_by"`
	CreatedAt     time.Time       `json:"created_at"`
	Items         []RefundItem    `json:"items"`
}

type RefundItem struct {
	ID                int64 `json:"id"`
	ReturnID          int64 `json:"return_id"`
	TransactionItemID int64 `json:"transaction_item_id"`
	Quantity          int   `json:"quantity"`
	Restocked         bool  `json:"restocked"`
}

// StockMovement is the audit row behind every ledger adjustment: signed delta
// plus the transaction or return reference that caused it.
type StockMovement struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	QtyDelta    int             `json:"qty_delta"`
	Reason      string          `json:"reason"`
	TxType      TransactionType `json:"tx_type"`
	ReferenceID string          `json:"reference_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

type OutboxDirection string

const (
	OutboxAccrual    OutboxDirection = "accrual"
	OutboxRedemption OutboxDirection = "redemption"
)

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// LoyaltyOutboxEntry is written inside the same atomic unit as the sale it
// belongs to and drained asynchronously by the dispatcher.
type LoyaltyOutboxEntry struct {
	ID            int64           `json:"id"`
	MemberID      int64           `json:"member_id"`
	CustomerID    int64           `json:"customer_id"`
	TransactionID int64           `json:"transaction_id"`
	OperatorID    int64           `json:"operator_id"`
	Points        int64           `json:"points"`
	Direction     OutboxDirection `json:"direction"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type AuditLog struct {
	ID         int64     `json:"id"`
	StoreID    int64     `json:"store_id"`
	ActorID    int64     `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// Request payloads. Monetary fields arrive as decimal strings and are parsed
// at the service boundary.

type TransactionLineInput struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Discount  string `json:"discount,omitempty"`
}

type PaymentInput struct {
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
}

type CreateTransactionRequest struct {
	StoreID        int64                  `json:"store_id"`
	UserID         int64                  `json:"user_id"`
	CustomerID     *int64                 `json:"customer_id,omitempty"`
	Type           TransactionType        `json:"type"`
	Tax            string                 `json:"tax,omitempty"`
	Discount       string                 `json:"discount,omitempty"`
	PaymentMethod  string                 `json:"payment_method"`
	Notes          string                 `json:"notes,omitempty"`
	ReferenceID    string                 `json:"reference_id,omitempty"`
	Items          []TransactionLineInput `json:"items"`
	Payments       []PaymentInput         `json:"payments,omitempty"`
	PointsEarned   int64                  `json:"points_earned,omitempty"`
	PointsRedeemed int64                  `json:"points_redeemed,omitempty"`
}

type CreateTransactionResponse struct {
	Transaction Transaction `json:"transaction"`
	Duplicate   bool        `json:"duplicate"`
}

type UpdateTransactionRequest struct {
	Status *TransactionStatus `json:"status,omitempty"`
	Notes  *string            `json:"notes,omitempty"`
}

type RefundItemInput struct {
	TransactionItemID int64 `json:"transaction_item_id"`
	Quantity          int   `json:"quantity"`
	Restock           bool  `json:"restock"`
}

type ProcessRefundRequest struct {
	TransactionID int64             `json:"transaction_id"`
	UserID        int64             `json:"user_id"`
	CustomerID    *int64            `json:"customer_id,omitempty"`
	Amount        string            `json:"amount"`
	Reason        string            `json:"reason"`
	FullRefund    bool              `json:"full_refund"`
	Items         []RefundItemInput `json:"items,omitempty"`
}

type StockAdjustmentRequest struct {
	ProductID   int64           `json:"product_id"`
	QtyDelta    int             `json:"qty_delta"`
	Reason      string          `json:"reason"`
	TxType      TransactionType `json:"tx_type,omitempty"`
	ReferenceID string          `json:"reference_id,omitempty"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Analytics report shapes. Bucket slices are ordered ascending by key.

type PaymentMethodBucket struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
	Count  int64           `json:"count"`
}

type HourBucket struct {
	Hour   int             `json:"hour"`
	Amount decimal.Decimal `json:"amount"`
	Count  int64           `json:"count"`
}

type DayOfWeekBucket struct {
	Day    int             `json:"day"`
	Amount decimal.Decimal `json:"amount"`
	Count  int64           `json:"count"`
}

type AnalyticsReport struct {
	StoreID                 int64                 `json:"store_id"`
	StartDate               time.Time             `json:"start_date"`
	EndDate                 time.Time             `json:"end_date"`
	TotalSales              decimal.Decimal       `json:"total_sales"`
	TotalReturns            decimal.Decimal       `json:"total_returns"`
	NetSales                decimal.Decimal       `json:"net_sales"`
	AverageTransactionValue decimal.Decimal       `json:"average_transaction_value"`
	CompletedCount          int64                 `json:"completed_count"`
	RefundedCount           int64                 `json:"refunded_count"`
	ByPaymentMethod         []PaymentMethodBucket `json:"by_payment_method"`
	ByHourOfDay             []HourBucket          `json:"by_hour_of_day"`
	ByDayOfWeek             []DayOfWeekBucket     `json:"by_day_of_week"`
}
