package service

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chainsyncstore/ChainSync-sub008/internal/apperr"
	"github.com/chainsyncstore/ChainSync-sub008/internal/cache"
	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
	"github.com/chainsyncstore/ChainSync-sub008/internal/ledger"
	"github.com/chainsyncstore/ChainSync-sub008/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, ledger.New(repo), cache.Noop{}, "", time.Minute), repo
}

func int64ptr(v int64) *int64 { return &v }

func saleRequest() domain.CreateTransactionRequest {
	return domain.CreateTransactionRequest{
		StoreID:       1,
		UserID:        2,
		Type:          domain.TxTypeSale,
		Tax:           "10.00",
		PaymentMethod: "cash",
		Items: []domain.TransactionLineInput{
			{ProductID: 1, Quantity: 2, UnitPrice: "50.00"},
		},
	}
}

func TestCreateTransactionComputesTotals(t *testing.T) {
	svc, repo := newTestService()

	resp, err := svc.CreateTransaction(context.Background(), saleRequest())
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	tx := resp.Transaction
	if tx.Subtotal.StringFixed(2) != "100.00" {
		t.Fatalf("expected subtotal 100.00, got %s", tx.Subtotal)
	}
	if tx.Total.StringFixed(2) != "110.00" {
		t.Fatalf("expected total 110.00, got %s", tx.Total)
	}
	if tx.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed status, got %s", tx.Status)
	}
	if tx.ReferenceID == "" {
		t.Fatalf("expected a generated reference id")
	}
	if len(tx.Items) != 1 || tx.Items[0].Subtotal.StringFixed(2) != "100.00" {
		t.Fatalf("unexpected items: %+v", tx.Items)
	}

	stock, _ := repo.GetStockMap(context.Background(), []int64{1})
	if stock[1] != 8 {
		t.Fatalf("expected stock 8 after selling 2 of 10, got %d", stock[1])
	}
	movements, _ := repo.ListStockMovements(context.Background(), "", 10)
	if len(movements) != 1 || movements[0].QtyDelta != -2 {
		t.Fatalf("expected one -2 movement, got %+v", movements)
	}
}

func TestCreateTransactionPreconditionOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// A request with a bad store, bad user, and bad product must report the
	// store first.
	req := saleRequest()
	req.StoreID = 99
	req.UserID = 99
	req.Items[0].ProductID = 99
	if _, err := svc.CreateTransaction(ctx, req); apperr.CodeOf(err) != apperr.CodeStoreNotFound {
		t.Fatalf("expected store_not_found, got %v", err)
	}

	req = saleRequest()
	req.UserID = 99
	req.Items[0].ProductID = 99
	if _, err := svc.CreateTransaction(ctx, req); apperr.CodeOf(err) != apperr.CodeUserNotFound {
		t.Fatalf("expected user_not_found, got %v", err)
	}

	req = saleRequest()
	req.CustomerID = int64ptr(99)
	if _, err := svc.CreateTransaction(ctx, req); apperr.CodeOf(err) != apperr.CodeCustomerNotFound {
		t.Fatalf("expected customer_not_found, got %v", err)
	}

	req = saleRequest()
	req.Items[0].ProductID = 99
	if _, err := svc.CreateTransaction(ctx, req); apperr.CodeOf(err) != apperr.CodeProductNotFound {
		t.Fatalf("expected product_not_found, got %v", err)
	}
}

func TestCreateTransactionInsufficientStockWritesNothing(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	req := saleRequest()
	req.Items = []domain.TransactionLineInput{
		{ProductID: 5, Quantity: 1, UnitPrice: "3.10"},
		{ProductID: 3, Quantity: 1, UnitPrice: "7.25"}, // product 3 has zero stock
	}
	_, err := svc.CreateTransaction(ctx, req)
	if apperr.CodeOf(err) != apperr.CodeInsufficientStock {
		t.Fatalf("expected insufficient_stock, got %v", err)
	}

	stock, _ := repo.GetStockMap(ctx, []int64{5, 3})
	if stock[5] != 100 || stock[3] != 0 {
		t.Fatalf("failed sale must not touch stock, got %v", stock)
	}
	movements, _ := repo.ListStockMovements(ctx, "", 10)
	if len(movements) != 0 {
		t.Fatalf("failed sale must not write movements, got %+v", movements)
	}
	txs, _ := repo.ListTransactionsByStore(ctx, 1, 10, 0)
	if len(txs) != 0 {
		t.Fatalf("failed sale must not persist a transaction")
	}
}

func TestCreateTransactionPaymentTolerance(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	req := saleRequest()
	req.Payments = []domain.PaymentInput{{Amount: "109.98", Method: "cash"}}
	if _, err := svc.CreateTransaction(ctx, req); apperr.CodeOf(err) != apperr.CodeInvalidPaymentAmount {
		t.Fatalf("expected invalid_payment_amount for 2 cent gap, got %v", err)
	}

	req = saleRequest()
	req.Payments = []domain.PaymentInput{
		{Amount: "100.00", Method: "cash"},
		{Amount: "10.01", Method: "card", Reference: "CARD-1"},
	}
	resp, err := svc.CreateTransaction(ctx, req)
	if err != nil {
		t.Fatalf("split payment within tolerance should pass: %v", err)
	}
	if len(resp.Transaction.Payments) != 2 {
		t.Fatalf("expected both payment rows persisted")
	}
}

func TestCreateTransactionDuplicateReferenceReplays(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	req := saleRequest()
	req.ReferenceID = "txn-replay-me"
	first, err := svc.CreateTransaction(ctx, req)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first create must not be flagged duplicate")
	}

	second, err := svc.CreateTransaction(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay must be flagged duplicate")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Fatalf("replay must return the stored transaction")
	}

	stock, _ := repo.GetStockMap(ctx, []int64{1})
	if stock[1] != 8 {
		t.Fatalf("replay must not decrement stock twice, got %d", stock[1])
	}
}

func TestCreateTransactionWritesLoyaltyOutbox(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	req := saleRequest()
	req.CustomerID = int64ptr(1)
	req.PointsEarned = 11
	req.PointsRedeemed = 5
	if _, err := svc.CreateTransaction(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, _ := repo.PendingLoyaltyOutbox(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("expected accrual and redemption entries, got %d", len(pending))
	}
	byDirection := map[domain.OutboxDirection]int64{}
	for _, e := range pending {
		byDirection[e.Direction] = e.Points
	}
	if byDirection[domain.OutboxAccrual] != 11 || byDirection[domain.OutboxRedemption] != 5 {
		t.Fatalf("unexpected outbox points: %v", byDirection)
	}
}

func TestCreateTransactionLoyaltyIsBestEffort(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	// Customer 2 exists but is not enrolled; the sale must still complete.
	req := saleRequest()
	req.CustomerID = int64ptr(2)
	req.PointsEarned = 11
	resp, err := svc.CreateTransaction(ctx, req)
	if err != nil {
		t.Fatalf("sale must not fail on missing loyalty membership: %v", err)
	}
	if resp.Transaction.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed sale, got %s", resp.Transaction.Status)
	}
	pending, _ := repo.PendingLoyaltyOutbox(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("unenrolled customer must not produce outbox entries")
	}
}

func TestProcessRefundPartialThenFull(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	resp, err := svc.CreateTransaction(ctx, saleRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tx := resp.Transaction
	itemID := tx.Items[0].ID

	ret, err := svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: tx.ID,
		UserID:        1,
		Amount:        "20.00",
		Reason:        "damaged unit",
		Items: []domain.RefundItemInput{
			{TransactionItemID: itemID, Quantity: 1, Restock: true},
		},
	})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if ret.RefundNumber == "" || ret.Amount.StringFixed(2) != "20.00" {
		t.Fatalf("unexpected return: %+v", ret)
	}

	after, _ := svc.GetTransaction(ctx, tx.ID)
	if after.Status != domain.TxStatusPartiallyRefunded {
		t.Fatalf("expected partially_refunded, got %s", after.Status)
	}
	stock, _ := repo.GetStockMap(ctx, []int64{1})
	if stock[1] != 9 {
		t.Fatalf("restocked unit should bring stock to 9, got %d", stock[1])
	}

	// Second refund takes the rest and closes the transaction.
	if _, err := svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: tx.ID,
		UserID:        1,
		Reason:        "order cancelled",
		FullRefund:    true,
	}); err != nil {
		t.Fatalf("full refund: %v", err)
	}
	after, _ = svc.GetTransaction(ctx, tx.ID)
	if after.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded, got %s", after.Status)
	}
	stock, _ = repo.GetStockMap(ctx, []int64{1})
	if stock[1] != 10 {
		t.Fatalf("full refund restocks the remaining unit, got %d", stock[1])
	}

	// Refunded is terminal.
	_, err = svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: tx.ID, UserID: 1, Amount: "1.00", Reason: "again", FullRefund: true,
	})
	if apperr.CodeOf(err) != apperr.CodeInvalidTransactionStatus {
		t.Fatalf("expected invalid_transaction_status, got %v", err)
	}
}

func TestProcessRefundAmountBound(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.CreateTransaction(ctx, saleRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: resp.Transaction.ID,
		UserID:        1,
		Amount:        "110.01",
		Reason:        "too much",
	})
	if apperr.CodeOf(err) != apperr.CodeInvalidRefundAmount {
		t.Fatalf("expected invalid_refund_amount, got %v", err)
	}
}

func TestProcessRefundQuantityBound(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.CreateTransaction(ctx, saleRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	itemID := resp.Transaction.Items[0].ID

	refund := func(qty int, amount string) error {
		_, err := svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
			TransactionID: resp.Transaction.ID,
			UserID:        1,
			Amount:        amount,
			Reason:        "partial",
			Items: []domain.RefundItemInput{
				{TransactionItemID: itemID, Quantity: qty, Restock: false},
			},
		})
		return err
	}

	if err := refund(1, "50.00"); err != nil {
		t.Fatalf("first unit: %v", err)
	}
	// Item sold qty 2, one already refunded: two more must not fit.
	if err := refund(2, "10.00"); apperr.CodeOf(err) != apperr.CodeInvalidRefundAmount {
		t.Fatalf("expected invalid_refund_amount for quantity overshoot, got %v", err)
	}

	// An item id from another transaction is rejected.
	other, err := svc.CreateTransaction(ctx, saleRequest())
	if err != nil {
		t.Fatalf("second sale: %v", err)
	}
	_, err = svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: resp.Transaction.ID,
		UserID:        1,
		Amount:        "10.00",
		Reason:        "wrong item",
		Items: []domain.RefundItemInput{
			{TransactionItemID: other.Transaction.Items[0].ID, Quantity: 1},
		},
	})
	if apperr.CodeOf(err) != apperr.CodeTransactionItemNotFound {
		t.Fatalf("expected transaction_item_not_found, got %v", err)
	}
}

func TestRefundRejectedForPendingTransaction(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, ledger.New(repo), cache.Noop{}, domain.TxStatusPending, time.Minute)
	ctx := context.Background()

	resp, err := svc.CreateTransaction(ctx, saleRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: resp.Transaction.ID, UserID: 1, Amount: "10.00", Reason: "too early",
	})
	if apperr.CodeOf(err) != apperr.CodeInvalidTransactionStatus {
		t.Fatalf("pending transaction must not be refundable, got %v", err)
	}
}

func TestUpdateTransactionStatus(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, ledger.New(repo), cache.Noop{}, domain.TxStatusPending, time.Minute)
	ctx := context.Background()

	resp, err := svc.CreateTransaction(ctx, saleRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	completed := domain.TxStatusCompleted
	updated, err := svc.UpdateTransaction(ctx, resp.Transaction.ID, domain.UpdateTransactionRequest{Status: &completed})
	if err != nil {
		t.Fatalf("pending -> completed: %v", err)
	}
	if updated.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}

	pending := domain.TxStatusPending
	if _, err := svc.UpdateTransaction(ctx, resp.Transaction.ID, domain.UpdateTransactionRequest{Status: &pending}); apperr.CodeOf(err) != apperr.CodeInvalidTransactionStatus {
		t.Fatalf("completed -> pending must be rejected, got %v", err)
	}

	notes := "register 2"
	updated, err = svc.UpdateTransaction(ctx, resp.Transaction.ID, domain.UpdateTransactionRequest{Notes: &notes})
	if err != nil || updated.Notes != "register 2" {
		t.Fatalf("notes update failed: %v %+v", err, updated)
	}
}

func TestTransactionAnalytics(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateTransaction(ctx, saleRequest()); err != nil {
		t.Fatalf("sale A: %v", err)
	}

	reqB := saleRequest()
	reqB.Tax = ""
	reqB.Items = []domain.TransactionLineInput{{ProductID: 5, Quantity: 1, UnitPrice: "20.00"}}
	respB, err := svc.CreateTransaction(ctx, reqB)
	if err != nil {
		t.Fatalf("sale B: %v", err)
	}
	if _, err := svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: respB.Transaction.ID, UserID: 1, Reason: "returned", FullRefund: true,
	}); err != nil {
		t.Fatalf("refund B: %v", err)
	}

	report, err := svc.TransactionAnalytics(ctx, 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if report.TotalSales.StringFixed(2) != "110.00" {
		t.Fatalf("expected sales 110.00, got %s", report.TotalSales)
	}
	if report.TotalReturns.StringFixed(2) != "20.00" {
		t.Fatalf("expected returns 20.00, got %s", report.TotalReturns)
	}
	if report.NetSales.StringFixed(2) != "90.00" {
		t.Fatalf("expected net 90.00, got %s", report.NetSales)
	}
	if report.CompletedCount != 1 || report.RefundedCount != 1 {
		t.Fatalf("unexpected counts: %d completed, %d refunded", report.CompletedCount, report.RefundedCount)
	}
	if report.AverageTransactionValue.StringFixed(2) != "110.00" {
		t.Fatalf("expected average 110.00, got %s", report.AverageTransactionValue)
	}
	if len(report.ByPaymentMethod) != 1 || report.ByPaymentMethod[0].Method != "cash" || report.ByPaymentMethod[0].Count != 2 {
		t.Fatalf("unexpected payment method buckets: %+v", report.ByPaymentMethod)
	}
	if len(report.ByHourOfDay) == 0 || len(report.ByDayOfWeek) == 0 {
		t.Fatalf("expected hour and day buckets")
	}

	if _, err := svc.TransactionAnalytics(ctx, 99, time.Time{}, time.Time{}); apperr.CodeOf(err) != apperr.CodeStoreNotFound {
		t.Fatalf("expected store_not_found for unknown store, got %v", err)
	}
}

func TestAdjustStock(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	if err := svc.AdjustStock(ctx, 1, domain.StockAdjustmentRequest{
		ProductID: 2, QtyDelta: -6, Reason: "stocktake",
	}); apperr.CodeOf(err) != apperr.CodeInsufficientStock {
		t.Fatalf("expected insufficient_stock for delta below zero, got %v", err)
	}

	if err := svc.AdjustStock(ctx, 1, domain.StockAdjustmentRequest{
		ProductID: 2, QtyDelta: 7, Reason: "delivery", ReferenceID: "PO-17",
	}); err != nil {
		t.Fatalf("positive adjustment: %v", err)
	}
	stock, _ := repo.GetStockMap(ctx, []int64{2})
	if stock[2] != 12 {
		t.Fatalf("expected stock 12, got %d", stock[2])
	}
	movements, err := svc.StockMovements(ctx, "PO-17", 10)
	if err != nil || len(movements) != 1 || movements[0].QtyDelta != 7 {
		t.Fatalf("unexpected movements: %v %+v", err, movements)
	}

	if err := svc.AdjustStock(ctx, 1, domain.StockAdjustmentRequest{ProductID: 2, QtyDelta: 0, Reason: "noop"}); apperr.CodeOf(err) != apperr.CodeInvalidInput {
		t.Fatalf("zero delta must be rejected, got %v", err)
	}
}

func TestCreateUser(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, domain.UserCreateRequest{Username: "new", Password: "short", Role: "cashier"}); apperr.CodeOf(err) != apperr.CodeInvalidInput {
		t.Fatalf("short password must be rejected, got %v", err)
	}

	created, err := svc.CreateUser(ctx, domain.UserCreateRequest{Username: "clerk3", Password: "hunter2hunter2", Role: "cashier"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("hunter2hunter2")); err != nil {
		t.Fatalf("stored hash must verify: %v", err)
	}

	if _, err := svc.CreateUser(ctx, domain.UserCreateRequest{Username: "clerk3", Password: "hunter2hunter2", Role: "cashier"}); err == nil {
		t.Fatalf("duplicate username must be rejected")
	}
}

func TestAuditLogWrittenForSaleAndRefund(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	resp, err := svc.CreateTransaction(ctx, saleRequest())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.ProcessRefund(ctx, domain.ProcessRefundRequest{
		TransactionID: resp.Transaction.ID, UserID: 1, Reason: "test", FullRefund: true,
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, 1, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	if !actions["transaction_create"] || !actions["refund_process"] {
		t.Fatalf("expected create and refund audit entries, got %v", actions)
	}
}
