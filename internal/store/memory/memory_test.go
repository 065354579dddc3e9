package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/ChainSync-sub008/internal/apperr"
	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
)

func saleTx(ref string, productID int64, qty int, total string) domain.Transaction {
	amount := decimal.RequireFromString(total)
	return domain.Transaction{
		StoreID: 1, UserID: 2, Type: domain.TxTypeSale,
		Subtotal: amount, Tax: decimal.Zero, Discount: decimal.Zero, Total: amount,
		PaymentMethod: "cash", Status: domain.TxStatusCompleted, ReferenceID: ref,
		Items: []domain.TransactionItem{
			{ProductID: productID, Quantity: qty,
				UnitPrice: amount.DivRound(decimal.NewFromInt(int64(qty)), 2),
				Discount:  decimal.Zero, Subtotal: amount},
		},
	}
}

func TestCreateTransactionReplaysDuplicateReference(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	first, err := s.CreateTransaction(ctx, saleTx("txn-dup", 1, 2, "100.00"), nil)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := s.CreateTransaction(ctx, saleTx("txn-dup", 1, 2, "100.00"), nil)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate reference must replay the stored transaction")
	}
	stock, _ := s.GetStockMap(ctx, []int64{1})
	if stock[1] != 8 {
		t.Fatalf("stock must be decremented once, got %d", stock[1])
	}
}

func TestConcurrentSalesOfLastUnit(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	// Product 4 has 3 units; ten goroutines each try to buy 2.
	var wg sync.WaitGroup
	succeeded := make(chan int64, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tx, err := s.CreateTransaction(ctx, saleTx(fmt.Sprintf("txn-race-%d", n), 4, 2, "240.00"), nil)
			if err == nil {
				succeeded <- tx.ID
			} else if apperr.CodeOf(err) != apperr.CodeInsufficientStock {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(succeeded)

	wins := 0
	for range succeeded {
		wins++
	}
	if wins != 1 {
		t.Fatalf("exactly one sale of 2 units fits in stock of 3, got %d", wins)
	}
	stock, _ := s.GetStockMap(ctx, []int64{4})
	if stock[4] != 1 {
		t.Fatalf("expected 1 unit left, got %d", stock[4])
	}
}

func TestCreateReturnRevalidatesUnderLock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	tx, err := s.CreateTransaction(ctx, saleTx("txn-ret", 1, 2, "100.00"), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ret := domain.Return{
		TransactionID: tx.ID,
		RefundNumber:  "RF-1",
		Amount:        decimal.RequireFromString("60.00"),
		Reason:        "half back",
		ProcessedBy:   1,
		Items: []domain.RefundItem{
			{TransactionItemID: tx.Items[0].ID, Quantity: 1, Restocked: true},
		},
	}
	if _, err := s.CreateReturn(ctx, ret, false); err != nil {
		t.Fatalf("first return: %v", err)
	}

	// A second 60.00 would overshoot the 100.00 total.
	ret.RefundNumber = "RF-2"
	if _, err := s.CreateReturn(ctx, ret, false); apperr.CodeOf(err) != apperr.CodeInvalidRefundAmount {
		t.Fatalf("expected invalid_refund_amount, got %v", err)
	}

	stock, _ := s.GetStockMap(ctx, []int64{1})
	if stock[1] != 9 {
		t.Fatalf("only the first return restocks, got %d", stock[1])
	}
	after, _ := s.FindTransactionByID(ctx, tx.ID)
	if after.Status != domain.TxStatusPartiallyRefunded {
		t.Fatalf("expected partially_refunded, got %s", after.Status)
	}
}

func TestAnalyticsWindowIsHalfOpen(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	base := time.Date(2026, 8, 10, 14, 0, 0, 0, time.UTC)
	inside := saleTx("txn-in", 5, 1, "30.00")
	inside.CreatedAt = base
	if _, err := s.CreateTransaction(ctx, inside, nil); err != nil {
		t.Fatalf("inside: %v", err)
	}
	boundary := saleTx("txn-edge", 5, 1, "70.00")
	boundary.CreatedAt = base.Add(24 * time.Hour)
	if _, err := s.CreateTransaction(ctx, boundary, nil); err != nil {
		t.Fatalf("boundary: %v", err)
	}

	report, err := s.TransactionAnalytics(ctx, 1, base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if report.TotalSales.StringFixed(2) != "30.00" || report.CompletedCount != 1 {
		t.Fatalf("window end must be exclusive: %+v", report)
	}
	if len(report.ByHourOfDay) != 1 || report.ByHourOfDay[0].Hour != 14 {
		t.Fatalf("expected a single 14h bucket, got %+v", report.ByHourOfDay)
	}
}
