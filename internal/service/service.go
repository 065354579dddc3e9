// Package service implements the transaction core: sale orchestration, the
// refund path, stock adjustment, and analytics. All state goes through the
// injected repository; the service itself holds no mutable state.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/chainsyncstore/ChainSync-sub008/internal/apperr"
	"github.com/chainsyncstore/ChainSync-sub008/internal/cache"
	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
	"github.com/chainsyncstore/ChainSync-sub008/internal/ident"
	"github.com/chainsyncstore/ChainSync-sub008/internal/ledger"
	"github.com/chainsyncstore/ChainSync-sub008/internal/money"
	"github.com/chainsyncstore/ChainSync-sub008/internal/store"
)

const analyticsDefaultWindow = 30 * 24 * time.Hour

type Service struct {
	repo          store.Repository
	ledger        ledger.StockLedger
	cache         cache.Cache
	cacheTTL      time.Duration
	initialStatus domain.TransactionStatus
}

// New wires the service. initialStatus is the status newly created
// transactions start in; an empty value means completed, matching a
// point-of-sale flow where payment happens at the counter.
func New(repo store.Repository, stockLedger ledger.StockLedger, c cache.Cache, initialStatus domain.TransactionStatus, cacheTTL time.Duration) *Service {
	if initialStatus == "" {
		initialStatus = domain.TxStatusCompleted
	}
	if c == nil {
		c = cache.Noop{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{
		repo:          repo,
		ledger:        stockLedger,
		cache:         c,
		cacheTTL:      cacheTTL,
		initialStatus: initialStatus,
	}
}

// CreateTransaction runs the full sale orchestration. Preconditions are
// checked in a fixed order (store, operator, customer, products, stock,
// payments) so a request failing several of them always reports the same
// one. A reference id that was already persisted replays the stored
// transaction instead of writing a second one.
func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (*domain.CreateTransactionResponse, error) {
	if !req.Type.Valid() {
		return nil, apperr.InvalidInput("unknown transaction type %q", req.Type)
	}
	if len(req.Items) == 0 {
		return nil, apperr.InvalidInput("transaction requires at least one item")
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, apperr.InvalidInput("payment_method is required")
	}
	for i, line := range req.Items {
		if line.Quantity < 1 {
			return nil, apperr.InvalidInput("item %d: quantity must be positive", i)
		}
	}
	if req.PointsEarned < 0 || req.PointsRedeemed < 0 {
		return nil, apperr.InvalidInput("loyalty points must not be negative")
	}

	storeRow, err := s.repo.GetStore(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}
	if !storeRow.Active {
		return nil, apperr.StoreNotFound(req.StoreID)
	}
	if _, err := s.repo.GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	if req.CustomerID != nil {
		if _, err := s.repo.GetCustomer(ctx, *req.CustomerID); err != nil {
			return nil, err
		}
	}

	productIDs := make([]int64, 0, len(req.Items))
	for _, line := range req.Items {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	for _, line := range req.Items {
		if _, ok := products[line.ProductID]; !ok {
			return nil, apperr.ProductNotFound(line.ProductID)
		}
	}

	if req.Type == domain.TxTypeSale {
		stock, err := s.repo.GetStockMap(ctx, productIDs)
		if err != nil {
			return nil, err
		}
		needed := map[int64]int{}
		for _, line := range req.Items {
			needed[line.ProductID] += line.Quantity
		}
		for productID, qty := range needed {
			if stock[productID] < qty {
				return nil, apperr.InsufficientStock(productID, qty, stock[productID])
			}
		}
	}

	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		referenceID = ident.New("txn")
	} else if existing, err := s.repo.FindTransactionByReference(ctx, referenceID); err == nil {
		return &domain.CreateTransactionResponse{Transaction: *existing, Duplicate: true}, nil
	} else if apperr.CodeOf(err) != apperr.CodeTransactionNotFound {
		return nil, err
	}

	tax, err := money.ParseOrZero("tax", req.Tax)
	if err != nil {
		return nil, err
	}
	discount, err := money.ParseOrZero("discount", req.Discount)
	if err != nil {
		return nil, err
	}

	items := make([]domain.TransactionItem, 0, len(req.Items))
	subtotal := decimal.Zero
	for i, line := range req.Items {
		unitPrice, err := money.Parse(fmt.Sprintf("items[%d].unit_price", i), line.UnitPrice)
		if err != nil {
			return nil, err
		}
		lineDiscount, err := money.ParseOrZero(fmt.Sprintf("items[%d].discount", i), line.Discount)
		if err != nil {
			return nil, err
		}
		lineSubtotal := money.LineSubtotal(line.Quantity, unitPrice, lineDiscount)
		if lineSubtotal.IsNegative() {
			return nil, apperr.InvalidInput("items[%d]: discount exceeds line amount", i)
		}
		items = append(items, domain.TransactionItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: unitPrice,
			Discount:  lineDiscount,
			Subtotal:  lineSubtotal,
		})
		subtotal = subtotal.Add(lineSubtotal)
	}

	total := subtotal.Add(tax).Sub(discount)
	if total.IsNegative() {
		return nil, apperr.InvalidInput("transaction total must not be negative")
	}

	payments := make([]domain.TransactionPayment, 0, len(req.Payments))
	paid := decimal.Zero
	for i, p := range req.Payments {
		amount, err := money.Parse(fmt.Sprintf("payments[%d].amount", i), p.Amount)
		if err != nil {
			return nil, err
		}
		if !amount.IsPositive() {
			return nil, apperr.InvalidPaymentAmount("payments[%d]: amount must be positive", i)
		}
		payments = append(payments, domain.TransactionPayment{
			Amount:    amount,
			Method:    p.Method,
			Reference: p.Reference,
			Status:    "captured",
		})
		paid = paid.Add(amount)
	}
	if len(payments) > 0 && !money.WithinTolerance(paid, total) {
		return nil, apperr.InvalidPaymentAmount("payments sum to %s, transaction total is %s", paid, total)
	}

	outbox := s.buildLoyaltyOutbox(ctx, req)

	created, err := s.repo.CreateTransaction(ctx, domain.Transaction{
		StoreID:       req.StoreID,
		UserID:        req.UserID,
		CustomerID:    req.CustomerID,
		Type:          req.Type,
		Subtotal:      subtotal,
		Tax:           tax,
		Discount:      discount,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		Status:        s.initialStatus,
		Notes:         req.Notes,
		ReferenceID:   referenceID,
		Items:         items,
		Payments:      payments,
	}, outbox)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, req.StoreID, req.UserID, "transaction_create", "transaction",
		fmt.Sprint(created.ID), fmt.Sprintf("type=%s,total=%s,ref=%s", created.Type, created.Total, created.ReferenceID))

	return &domain.CreateTransactionResponse{Transaction: *created}, nil
}

// buildLoyaltyOutbox resolves loyalty membership and shapes the outbox rows
// written with the sale. Loyalty is best effort: a customer that turns out
// not to be enrolled costs a warning, never the sale.
func (s *Service) buildLoyaltyOutbox(ctx context.Context, req domain.CreateTransactionRequest) []domain.LoyaltyOutboxEntry {
	if req.CustomerID == nil || (req.PointsEarned == 0 && req.PointsRedeemed == 0) {
		return nil
	}
	member, err := s.repo.GetLoyaltyMemberByCustomer(ctx, *req.CustomerID)
	if err != nil {
		log.Printf("[service] WARN: loyalty skipped, customer %d not enrolled: %v", *req.CustomerID, err)
		return nil
	}

	var outbox []domain.LoyaltyOutboxEntry
	if req.PointsEarned > 0 {
		outbox = append(outbox, domain.LoyaltyOutboxEntry{
			MemberID:   member.ID,
			CustomerID: member.CustomerID,
			OperatorID: req.UserID,
			Points:     req.PointsEarned,
			Direction:  domain.OutboxAccrual,
		})
	}
	if req.PointsRedeemed > 0 {
		outbox = append(outbox, domain.LoyaltyOutboxEntry{
			MemberID:   member.ID,
			CustomerID: member.CustomerID,
			OperatorID: req.UserID,
			Points:     req.PointsRedeemed,
			Direction:  domain.OutboxRedemption,
		})
	}
	return outbox
}

// ProcessRefund reverses part or all of a completed transaction. The refund
// amount plus everything refunded before must fit inside the original total,
// and each item line can only be refunded up to its sold quantity. The store
// re-validates both bounds under lock, so two racing refunds cannot
// overshoot together.
func (s *Service) ProcessRefund(ctx context.Context, req domain.ProcessRefundRequest) (*domain.Return, error) {
	tx, err := s.repo.FindTransactionByID(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	if req.CustomerID != nil {
		if _, err := s.repo.GetCustomer(ctx, *req.CustomerID); err != nil {
			return nil, err
		}
	}

	target := domain.TxStatusPartiallyRefunded
	if req.FullRefund {
		target = domain.TxStatusRefunded
	}
	if !domain.CanTransition(tx.Status, target) {
		return nil, apperr.InvalidTransactionStatus(string(tx.Status), string(target))
	}

	refundedSoFar, err := s.repo.RefundedAmountByTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	var amount decimal.Decimal
	if strings.TrimSpace(req.Amount) == "" && req.FullRefund {
		amount = tx.Total.Sub(refundedSoFar)
	} else {
		amount, err = money.Parse("amount", req.Amount)
		if err != nil {
			return nil, err
		}
	}
	if !amount.IsPositive() {
		return nil, apperr.InvalidRefundAmount("refund amount must be positive")
	}
	if amount.Add(refundedSoFar).GreaterThan(tx.Total) {
		return nil, apperr.InvalidRefundAmount(
			"refund %s plus already refunded %s exceeds transaction total %s",
			amount, refundedSoFar, tx.Total)
	}

	refundedQty, err := s.repo.RefundedQtyByTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	itemsByID := make(map[int64]domain.TransactionItem, len(tx.Items))
	for _, item := range tx.Items {
		itemsByID[item.ID] = item
	}

	refundItems := make([]domain.RefundItem, 0, len(req.Items))
	if len(req.Items) == 0 && req.FullRefund {
		// A bare full refund returns and restocks every outstanding unit.
		for _, item := range tx.Items {
			remaining := item.Quantity - refundedQty[item.ID]
			if remaining <= 0 {
				continue
			}
			refundItems = append(refundItems, domain.RefundItem{
				TransactionItemID: item.ID,
				Quantity:          remaining,
				Restocked:         true,
			})
		}
	} else {
		for _, in := range req.Items {
			item, ok := itemsByID[in.TransactionItemID]
			if !ok {
				return nil, apperr.TransactionItemNotFound(in.TransactionItemID)
			}
			if in.Quantity < 1 {
				return nil, apperr.InvalidRefundAmount("refund quantity must be positive for item %d", in.TransactionItemID)
			}
			if refundedQty[in.TransactionItemID]+in.Quantity > item.Quantity {
				return nil, apperr.InvalidRefundAmount(
					"item %d sold qty %d, already refunded %d, requested %d",
					in.TransactionItemID, item.Quantity, refundedQty[in.TransactionItemID], in.Quantity)
			}
			refundItems = append(refundItems, domain.RefundItem{
				TransactionItemID: in.TransactionItemID,
				Quantity:          in.Quantity,
				Restocked:         in.Restock,
			})
		}
	}

	ret, err := s.repo.CreateReturn(ctx, domain.Return{
		TransactionID: req.TransactionID,
		RefundNumber:  ident.RefundNumber(req.TransactionID),
		Amount:        amount,
		Reason:        req.Reason,
		ProcessedBy:   req.UserID,
		Items:         refundItems,
	}, req.FullRefund)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, tx.StoreID, req.UserID, "refund_process", "return",
		fmt.Sprint(ret.ID), fmt.Sprintf("transaction=%d,amount=%s,full=%t", req.TransactionID, ret.Amount, req.FullRefund))

	return ret, nil
}

func (s *Service) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return s.repo.FindTransactionByID(ctx, id)
}

func (s *Service) GetTransactionByReference(ctx context.Context, referenceID string) (*domain.Transaction, error) {
	return s.repo.FindTransactionByReference(ctx, referenceID)
}

func (s *Service) UpdateTransaction(ctx context.Context, id int64, req domain.UpdateTransactionRequest) (*domain.Transaction, error) {
	if req.Status == nil && req.Notes == nil {
		return nil, apperr.InvalidInput("update requires a status or notes")
	}
	if req.Status != nil && !req.Status.Valid() {
		return nil, apperr.InvalidInput("unknown transaction status %q", *req.Status)
	}
	updated, err := s.repo.UpdateTransaction(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if req.Status != nil {
		s.logAudit(ctx, updated.StoreID, updated.UserID, "transaction_status", "transaction",
			fmt.Sprint(id), fmt.Sprintf("status=%s", *req.Status))
	}
	return updated, nil
}

func (s *Service) ListTransactionsByStore(ctx context.Context, storeID int64, limit, offset int) ([]domain.Transaction, error) {
	if _, err := s.repo.GetStore(ctx, storeID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByStore(ctx, storeID, normalizeLimit(limit), offset)
}

func (s *Service) ListTransactionsByCustomer(ctx context.Context, customerID int64, limit, offset int) ([]domain.Transaction, error) {
	if _, err := s.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByCustomer(ctx, customerID, normalizeLimit(limit), offset)
}

func (s *Service) SearchTransactions(ctx context.Context, storeID int64, keyword string, limit int) ([]domain.Transaction, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, apperr.InvalidInput("search keyword is required")
	}
	return s.repo.SearchTransactions(ctx, storeID, keyword, normalizeLimit(limit))
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

// AdjustStock applies one manual ledger movement, e.g. a stocktake
// correction or spoilage write-off.
func (s *Service) AdjustStock(ctx context.Context, userID int64, req domain.StockAdjustmentRequest) error {
	if req.QtyDelta == 0 {
		return apperr.InvalidInput("qty_delta must not be zero")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return apperr.InvalidInput("adjustment reason is required")
	}
	txType := req.TxType
	if txType == "" {
		txType = domain.TxTypeAdjustment
	} else if !txType.Valid() {
		return apperr.InvalidInput("unknown transaction type %q", txType)
	}
	if err := s.ledger.Adjust(ctx, req.ProductID, req.QtyDelta, req.Reason, txType, req.ReferenceID); err != nil {
		return err
	}
	s.logAudit(ctx, 0, userID, "stock_adjust", "product",
		fmt.Sprint(req.ProductID), fmt.Sprintf("delta=%d,reason=%s", req.QtyDelta, req.Reason))
	return nil
}

func (s *Service) StockMovements(ctx context.Context, referenceID string, limit int) ([]domain.StockMovement, error) {
	return s.ledger.Movements(ctx, referenceID, normalizeLimit(limit))
}

// TransactionAnalytics aggregates completed and refunded transactions for a
// store over [from, to). A zero range means the trailing thirty days.
// Reports come from the cache when a fresh one exists; cache failures fall
// through to the store.
func (s *Service) TransactionAnalytics(ctx context.Context, storeID int64, from, to time.Time) (*domain.AnalyticsReport, error) {
	if _, err := s.repo.GetStore(ctx, storeID); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-analyticsDefaultWindow)
	}
	if !from.Before(to) {
		return nil, apperr.InvalidInput("start date must precede end date")
	}

	key := fmt.Sprintf("analytics:%d:%d:%d", storeID, from.Unix(), to.Unix())
	if raw, ok, err := s.cache.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: analytics cache read failed: %v", err)
	} else if ok {
		var cached domain.AnalyticsReport
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &cached, nil
		}
		log.Printf("[service] WARN: discarding corrupt analytics cache entry %s", key)
	}

	report, err := s.repo.TransactionAnalytics(ctx, storeID, from, to)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(report); err == nil {
		if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
			log.Printf("[service] WARN: analytics cache write failed: %v", err)
		}
	}
	return &report, nil
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (*domain.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, apperr.InvalidInput("username is required")
	}
	if len(req.Password) < 8 {
		return nil, apperr.InvalidInput("password must be at least 8 characters")
	}
	role := strings.TrimSpace(req.Role)
	if role != "admin" && role != "cashier" {
		return nil, apperr.InvalidInput("role must be admin or cashier")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.System(err)
	}
	return s.repo.CreateUser(ctx, domain.User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	})
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	return s.repo.ListUsers(ctx)
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID int64, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-analyticsDefaultWindow)
	}
	return s.repo.ListAuditLogs(ctx, storeID, from, to, normalizeLimit(limit))
}

// logAudit records the action without ever failing the caller.
func (s *Service) logAudit(ctx context.Context, storeID, actorID int64, action, entityType, entityID, detail string) {
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		StoreID:    storeID,
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
	})
	if err != nil {
		log.Printf("[service] WARN: audit log write failed action=%s entity=%s: %v", action, entityID, err)
	}
}
