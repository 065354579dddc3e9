package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chainsyncstore/ChainSync-sub008/internal/cache"
	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
	"github.com/chainsyncstore/ChainSync-sub008/internal/ledger"
	"github.com/chainsyncstore/ChainSync-sub008/internal/service"
	"github.com/chainsyncstore/ChainSync-sub008/internal/store/memory"
)

func newTestHandler() http.Handler {
	repo := memory.NewSeeded()
	svc := service.New(repo, ledger.New(repo), cache.Noop{}, "", time.Minute)
	return New(svc).Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func saleBody() map[string]any {
	return map[string]any{
		"store_id":       1,
		"user_id":        2,
		"type":           "SALE",
		"tax":            "10.00",
		"payment_method": "cash",
		"items": []map[string]any{
			{"product_id": 1, "quantity": 2, "unit_price": "50.00"},
		},
	}
}

func TestHealthz(t *testing.T) {
	rec := doJSON(t, newTestHandler(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateTransactionEndpoint(t *testing.T) {
	h := newTestHandler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/transactions", saleBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var resp domain.CreateTransactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Transaction.Total.StringFixed(2) != "110.00" {
		t.Fatalf("expected total 110.00, got %s", resp.Transaction.Total)
	}
	if resp.Duplicate {
		t.Fatalf("fresh transaction must not be flagged duplicate")
	}

	// Replaying the same reference id answers 200 with the stored row.
	body := saleBody()
	body["reference_id"] = resp.Transaction.ReferenceID
	rec = doJSON(t, h, http.MethodPost, "/api/v1/transactions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d: %s", rec.Code, rec.Body)
	}
	var replay domain.CreateTransactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !replay.Duplicate || replay.Transaction.ID != resp.Transaction.ID {
		t.Fatalf("replay must return the original transaction, got %+v", replay)
	}
}

func TestCreateTransactionErrorMapping(t *testing.T) {
	h := newTestHandler()

	body := saleBody()
	body["store_id"] = 99
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/transactions", body); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown store: expected 404, got %d", rec.Code)
	}

	body = saleBody()
	body["items"] = []map[string]any{{"product_id": 3, "quantity": 1, "unit_price": "7.25"}}
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/transactions", body); rec.Code != http.StatusConflict {
		t.Fatalf("insufficient stock: expected 409, got %d", rec.Code)
	}

	body = saleBody()
	body["payments"] = []map[string]any{{"amount": "90.00", "method": "cash"}}
	if rec := doJSON(t, h, http.MethodPost, "/api/v1/transactions", body); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("payment mismatch: expected 422, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}
}

func TestRefundEndpoint(t *testing.T) {
	h := newTestHandler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/transactions", saleBody())
	var resp domain.CreateTransactionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/refunds", map[string]any{
		"transaction_id": resp.Transaction.ID,
		"user_id":        1,
		"reason":         "customer returned goods",
		"full_refund":    true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var ret domain.Return
	if err := json.Unmarshal(rec.Body.Bytes(), &ret); err != nil {
		t.Fatalf("decode return: %v", err)
	}
	if ret.Amount.StringFixed(2) != "110.00" {
		t.Fatalf("expected full refund of 110.00, got %s", ret.Amount)
	}

	// Terminal transaction: second refund conflicts.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/refunds", map[string]any{
		"transaction_id": resp.Transaction.ID,
		"user_id":        1,
		"amount":         "1.00",
		"reason":         "again",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for refund on refunded transaction, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, fmt.Sprintf("/api/v1/transactions/%d", resp.Transaction.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tx domain.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode transaction: %v", err)
	}
	if tx.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded status, got %s", tx.Status)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	h := newTestHandler()

	if rec := doJSON(t, h, http.MethodPost, "/api/v1/transactions", saleBody()); rec.Code != http.StatusCreated {
		t.Fatalf("seed sale failed: %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/stores/1/analytics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var report domain.AnalyticsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.TotalSales.StringFixed(2) != "110.00" || report.CompletedCount != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	if rec := doJSON(t, h, http.MethodGet, "/api/v1/stores/99/analytics", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown store, got %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/api/v1/stores/1/analytics?from=yesterday", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad time format, got %d", rec.Code)
	}
}

func TestStockAdjustmentEndpoint(t *testing.T) {
	h := newTestHandler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/stock/adjustments", map[string]any{
		"user_id":      1,
		"product_id":   2,
		"qty_delta":    5,
		"reason":       "delivery",
		"reference_id": "PO-9",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/stock/movements?reference=PO-9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Movements []domain.StockMovement `json:"movements"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode movements: %v", err)
	}
	if len(payload.Movements) != 1 || payload.Movements[0].QtyDelta != 5 {
		t.Fatalf("unexpected movements: %+v", payload.Movements)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/stock/adjustments", map[string]any{
		"user_id": 1, "product_id": 2, "qty_delta": -100, "reason": "oops",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for underflow, got %d", rec.Code)
	}
}

func TestUserEndpoints(t *testing.T) {
	h := newTestHandler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/users", map[string]any{
		"username": "clerk9", "password": "longenough", "role": "cashier",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var created domain.User
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if created.Username != "clerk9" {
		t.Fatalf("unexpected user: %+v", created)
	}

	if rec := doJSON(t, h, http.MethodPost, "/api/v1/users", map[string]any{
		"username": "weak", "password": "short", "role": "cashier",
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/users", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Users []domain.User `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if len(payload.Users) != 3 {
		t.Fatalf("expected 3 users (2 seeded + 1 created), got %d", len(payload.Users))
	}
}
