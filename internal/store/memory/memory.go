// Package memory is the in-memory Repository used by tests and dev mode. It
// mirrors the postgres semantics exactly, including the conditional stock
// decrement: the mutex gives the same check-then-decrement scope that the
// postgres store gets from FOR UPDATE row locks.
package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/chainsyncstore/ChainSync-sub008/internal/apperr"
	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	stores         map[int64]domain.Store
	users          map[int64]domain.User
	customers      map[int64]domain.Customer
	products       map[int64]domain.Product
	stock          map[int64]int
	loyaltyMembers map[int64]domain.LoyaltyMember // keyed by customer id

	transactionsByID  map[int64]*domain.Transaction
	transactionsByRef map[string]int64
	returnsByID       map[int64]*domain.Return
	movements         []domain.StockMovement
	outbox            map[int64]*domain.LoyaltyOutboxEntry
	auditLogs         []domain.AuditLog

	nextID map[string]int64
}

func New() *Store {
	return &Store{
		stores:            map[int64]domain.Store{},
		users:             map[int64]domain.User{},
		customers:         map[int64]domain.Customer{},
		products:          map[int64]domain.Product{},
		stock:             map[int64]int{},
		loyaltyMembers:    map[int64]domain.LoyaltyMember{},
		transactionsByID:  map[int64]*domain.Transaction{},
		transactionsByRef: map[string]int64{},
		returnsByID:       map[int64]*domain.Return{},
		outbox:            map[int64]*domain.LoyaltyOutboxEntry{},
		nextID:            map[string]int64{},
	}
}

// NewSeeded builds a store with a small demo catalog: two stores, an admin
// and a cashier, one loyalty-enrolled customer and one not, and a handful of
// products with stock.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	s.stores[1] = domain.Store{ID: 1, Name: "Main Street", Location: "Jakarta", Active: true, CreatedAt: now}
	s.stores[2] = domain.Store{ID: 2, Name: "Harbor Point", Location: "Surabaya", Active: true, CreatedAt: now}

	for _, u := range []struct {
		id       int64
		username string
		role     string
	}{
		{1, "admin", "admin"},
		{2, "cashier", "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.username+"-dev"), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		s.users[u.id] = domain.User{
			ID: u.id, Username: u.username, PasswordHash: string(hash),
			Role: u.role, Active: true, CreatedAt: now,
		}
	}

	s.customers[1] = domain.Customer{ID: 1, Name: "Ayu Lestari", Email: "ayu@example.com", CreatedAt: now}
	s.customers[2] = domain.Customer{ID: 2, Name: "Budi Santoso", CreatedAt: now}
	s.loyaltyMembers[1] = domain.LoyaltyMember{ID: 1, CustomerID: 1, Points: 120}

	seedProducts := []struct {
		id    int64
		sku   string
		name  string
		price string
		qty   int
	}{
		{1, "SKU-1001", "Ground Coffee 500g", "50.00", 10},
		{2, "SKU-1002", "Green Tea Box", "19.90", 5},
		{3, "SKU-1003", "Sparkling Water", "7.25", 0},
		{4, "SKU-1004", "Rice Cooker", "120.00", 3},
		{5, "SKU-1005", "Instant Noodles", "3.10", 100},
	}
	for _, p := range seedProducts {
		s.products[p.id] = domain.Product{
			ID: p.id, SKU: p.sku, Name: p.name,
			Price: decimal.RequireFromString(p.price), Active: true,
		}
		s.stock[p.id] = p.qty
	}

	s.nextID["store"] = 2
	s.nextID["user"] = 2
	s.nextID["customer"] = 2
	s.nextID["product"] = 5
	s.nextID["member"] = 1

	return s
}

func (s *Store) allocID(kind string) int64 {
	s.nextID[kind]++
	return s.nextID[kind]
}

func (s *Store) GetStore(_ context.Context, id int64) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[id]
	if !ok {
		return nil, apperr.StoreNotFound(id)
	}
	out := st
	return &out, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.UserNotFound(id)
	}
	out := u
	return &out, nil
}

func (s *Store) GetCustomer(_ context.Context, id int64) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, apperr.CustomerNotFound(id)
	}
	out := c
	return &out, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[int64]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) GetStockMap(_ context.Context, productIDs []int64) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[int64]int, len(productIDs))
	for _, id := range productIDs {
		result[id] = s.stock[id]
	}
	return result, nil
}

func (s *Store) GetLoyaltyMemberByCustomer(_ context.Context, customerID int64) (*domain.LoyaltyMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.loyaltyMembers[customerID]
	if !ok {
		return nil, apperr.CustomerNotFound(customerID)
	}
	out := m
	return &out, nil
}

func (s *Store) CreateTransaction(_ context.Context, tx domain.Transaction, outbox []domain.LoyaltyOutboxEntry) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.transactionsByRef[tx.ReferenceID]; ok {
		return s.copyTransaction(existingID), nil
	}

	// Check every line before touching anything: an insufficiency on the
	// last line must leave earlier lines untouched.
	if tx.Type == domain.TxTypeSale {
		needed := map[int64]int{}
		for _, item := range tx.Items {
			needed[item.ProductID] += item.Quantity
		}
		for productID, qty := range needed {
			if s.stock[productID] < qty {
				return nil, apperr.InsufficientStock(productID, qty, s.stock[productID])
			}
		}
	}

	now := time.Now().UTC()
	tx.ID = s.allocID("transaction")
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = tx.CreatedAt

	for i := range tx.Items {
		tx.Items[i].ID = s.allocID("item")
		tx.Items[i].TransactionID = tx.ID
	}
	for i := range tx.Payments {
		tx.Payments[i].ID = s.allocID("payment")
		tx.Payments[i].TransactionID = tx.ID
	}

	if tx.Type == domain.TxTypeSale {
		for _, item := range tx.Items {
			s.stock[item.ProductID] -= item.Quantity
			s.appendMovement(domain.StockMovement{
				ProductID:   item.ProductID,
				QtyDelta:    -item.Quantity,
				Reason:      "sale",
				TxType:      tx.Type,
				ReferenceID: fmt.Sprint(tx.ID),
				CreatedAt:   tx.CreatedAt,
			})
		}
	}

	for _, entry := range outbox {
		entry.ID = s.allocID("outbox")
		entry.TransactionID = tx.ID
		entry.Status = domain.OutboxPending
		entry.CreatedAt = now
		entry.UpdatedAt = now
		e := entry
		s.outbox[entry.ID] = &e
	}

	stored := tx
	s.transactionsByID[tx.ID] = &stored
	s.transactionsByRef[tx.ReferenceID] = tx.ID

	return s.copyTransaction(tx.ID), nil
}

func (s *Store) appendMovement(m domain.StockMovement) {
	m.ID = s.allocID("movement")
	s.movements = append(s.movements, m)
}

func (s *Store) copyTransaction(id int64) *domain.Transaction {
	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil
	}
	out := *tx
	out.Items = append([]domain.TransactionItem(nil), tx.Items...)
	out.Payments = append([]domain.TransactionPayment(nil), tx.Payments...)
	return &out
}

func (s *Store) FindTransactionByID(_ context.Context, id int64) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := s.copyTransaction(id)
	if tx == nil {
		return nil, apperr.TransactionNotFound(id)
	}
	return tx, nil
}

func (s *Store) FindTransactionByReference(_ context.Context, referenceID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.transactionsByRef[referenceID]
	if !ok {
		return nil, apperr.TransactionNotFound(0)
	}
	return s.copyTransaction(id), nil
}

func (s *Store) UpdateTransaction(_ context.Context, id int64, req domain.UpdateTransactionRequest) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[id]
	if !ok {
		return nil, apperr.TransactionNotFound(id)
	}
	if req.Status != nil {
		if !domain.CanTransition(tx.Status, *req.Status) {
			return nil, apperr.InvalidTransactionStatus(string(tx.Status), string(*req.Status))
		}
		tx.Status = *req.Status
	}
	if req.Notes != nil {
		tx.Notes = *req.Notes
	}
	tx.UpdatedAt = time.Now().UTC()

	return s.copyTransaction(id), nil
}

func (s *Store) listTransactions(filter func(*domain.Transaction) bool, limit, offset int) []domain.Transaction {
	matched := make([]*domain.Transaction, 0, len(s.transactionsByID))
	for _, tx := range s.transactionsByID {
		if filter(tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]domain.Transaction, 0, len(matched))
	for _, tx := range matched {
		out = append(out, *s.copyTransaction(tx.ID))
	}
	return out
}

func (s *Store) ListTransactionsByStore(_ context.Context, storeID int64, limit, offset int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactions(func(tx *domain.Transaction) bool {
		return tx.StoreID == storeID
	}, limit, offset), nil
}

func (s *Store) ListTransactionsByCustomer(_ context.Context, customerID int64, limit, offset int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactions(func(tx *domain.Transaction) bool {
		return tx.CustomerID != nil && *tx.CustomerID == customerID
	}, limit, offset), nil
}

func (s *Store) SearchTransactions(_ context.Context, storeID int64, keyword string, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	return s.listTransactions(func(tx *domain.Transaction) bool {
		if tx.StoreID != storeID {
			return false
		}
		return strings.Contains(strings.ToLower(tx.ReferenceID), keyword) ||
			strings.Contains(strings.ToLower(tx.Notes), keyword) ||
			strings.Contains(fmt.Sprint(tx.ID), keyword)
	}, limit, 0), nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.Return, fullRefund bool) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactionsByID[ret.TransactionID]
	if !ok {
		return nil, apperr.TransactionNotFound(ret.TransactionID)
	}

	target := domain.TxStatusPartiallyRefunded
	if fullRefund {
		target = domain.TxStatusRefunded
	}
	if !domain.CanTransition(tx.Status, target) {
		return nil, apperr.InvalidTransactionStatus(string(tx.Status), string(target))
	}

	refundedSoFar := s.refundedAmountLocked(ret.TransactionID)
	if ret.Amount.Add(refundedSoFar).GreaterThan(tx.Total) {
		return nil, apperr.InvalidRefundAmount(
			"refund %s plus already refunded %s exceeds transaction total %s",
			ret.Amount, refundedSoFar, tx.Total)
	}

	itemsByID := make(map[int64]domain.TransactionItem, len(tx.Items))
	for _, item := range tx.Items {
		itemsByID[item.ID] = item
	}
	refundedQty := s.refundedQtyLocked(ret.TransactionID)
	for _, ri := range ret.Items {
		item, ok := itemsByID[ri.TransactionItemID]
		if !ok {
			return nil, apperr.TransactionItemNotFound(ri.TransactionItemID)
		}
		if ri.Quantity < 1 {
			return nil, apperr.InvalidRefundAmount("refund quantity must be positive for item %d", ri.TransactionItemID)
		}
		if refundedQty[ri.TransactionItemID]+ri.Quantity > item.Quantity {
			return nil, apperr.InvalidRefundAmount(
				"item %d sold qty %d, already refunded %d, requested %d",
				ri.TransactionItemID, item.Quantity, refundedQty[ri.TransactionItemID], ri.Quantity)
		}
	}

	now := time.Now().UTC()
	ret.ID = s.allocID("return")
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = now
	}
	for i := range ret.Items {
		ret.Items[i].ID = s.allocID("refund_item")
		ret.Items[i].ReturnID = ret.ID
	}

	for _, ri := range ret.Items {
		if !ri.Restocked {
			continue
		}
		item := itemsByID[ri.TransactionItemID]
		s.stock[item.ProductID] += ri.Quantity
		s.appendMovement(domain.StockMovement{
			ProductID:   item.ProductID,
			QtyDelta:    ri.Quantity,
			Reason:      "refund restock",
			TxType:      domain.TxTypeRefund,
			ReferenceID: ret.RefundNumber,
			CreatedAt:   ret.CreatedAt,
		})
	}

	tx.Status = target
	tx.UpdatedAt = now

	stored := ret
	stored.Items = append([]domain.RefundItem(nil), ret.Items...)
	s.returnsByID[ret.ID] = &stored

	out := stored
	out.Items = append([]domain.RefundItem(nil), stored.Items...)
	return &out, nil
}

func (s *Store) refundedQtyLocked(transactionID int64) map[int64]int {
	result := map[int64]int{}
	for _, ret := range s.returnsByID {
		if ret.TransactionID != transactionID {
			continue
		}
		for _, ri := range ret.Items {
			result[ri.TransactionItemID] += ri.Quantity
		}
	}
	return result
}

func (s *Store) refundedAmountLocked(transactionID int64) decimal.Decimal {
	total := decimal.Zero
	for _, ret := range s.returnsByID {
		if ret.TransactionID == transactionID {
			total = total.Add(ret.Amount)
		}
	}
	return total
}

func (s *Store) RefundedQtyByTransaction(_ context.Context, transactionID int64) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refundedQtyLocked(transactionID), nil
}

func (s *Store) RefundedAmountByTransaction(_ context.Context, transactionID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refundedAmountLocked(transactionID), nil
}

func (s *Store) AdjustStock(_ context.Context, movement domain.StockMovement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[movement.ProductID]; !ok {
		return apperr.ProductNotFound(movement.ProductID)
	}
	next := s.stock[movement.ProductID] + movement.QtyDelta
	if next < 0 {
		return apperr.InsufficientStock(movement.ProductID, -movement.QtyDelta, s.stock[movement.ProductID])
	}
	s.stock[movement.ProductID] = next
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}
	s.appendMovement(movement)
	return nil
}

func (s *Store) ListStockMovements(_ context.Context, referenceID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockMovement, 0, 8)
	for _, m := range s.movements {
		if referenceID == "" || m.ReferenceID == referenceID {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) TransactionAnalytics(_ context.Context, storeID int64, from, to time.Time) (domain.AnalyticsReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.AnalyticsReport{
		StoreID:   storeID,
		StartDate: from,
		EndDate:   to,
		TotalSales:              decimal.Zero,
		TotalReturns:            decimal.Zero,
		NetSales:                decimal.Zero,
		AverageTransactionValue: decimal.Zero,
	}

	byMethod := map[string]*domain.PaymentMethodBucket{}
	byHour := map[int]*domain.HourBucket{}
	byDay := map[int]*domain.DayOfWeekBucket{}

	for _, tx := range s.transactionsByID {
		if tx.StoreID != storeID || tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		switch tx.Status {
		case domain.TxStatusCompleted:
			report.TotalSales = report.TotalSales.Add(tx.Total)
			report.CompletedCount++
		case domain.TxStatusRefunded:
			report.TotalReturns = report.TotalReturns.Add(tx.Total)
			report.RefundedCount++
		default:
			continue
		}

		method := tx.PaymentMethod
		if b, ok := byMethod[method]; ok {
			b.Amount = b.Amount.Add(tx.Total)
			b.Count++
		} else {
			byMethod[method] = &domain.PaymentMethodBucket{Method: method, Amount: tx.Total, Count: 1}
		}
		hour := tx.CreatedAt.UTC().Hour()
		if b, ok := byHour[hour]; ok {
			b.Amount = b.Amount.Add(tx.Total)
			b.Count++
		} else {
			byHour[hour] = &domain.HourBucket{Hour: hour, Amount: tx.Total, Count: 1}
		}
		day := int(tx.CreatedAt.UTC().Weekday())
		if b, ok := byDay[day]; ok {
			b.Amount = b.Amount.Add(tx.Total)
			b.Count++
		} else {
			byDay[day] = &domain.DayOfWeekBucket{Day: day, Amount: tx.Total, Count: 1}
		}
	}

	report.NetSales = report.TotalSales.Sub(report.TotalReturns)
	if report.CompletedCount > 0 {
		report.AverageTransactionValue = report.TotalSales.DivRound(decimal.NewFromInt(report.CompletedCount), 2)
	}

	for _, b := range byMethod {
		report.ByPaymentMethod = append(report.ByPaymentMethod, *b)
	}
	sort.Slice(report.ByPaymentMethod, func(i, j int) bool {
		return report.ByPaymentMethod[i].Method < report.ByPaymentMethod[j].Method
	})
	for _, b := range byHour {
		report.ByHourOfDay = append(report.ByHourOfDay, *b)
	}
	sort.Slice(report.ByHourOfDay, func(i, j int) bool {
		return report.ByHourOfDay[i].Hour < report.ByHourOfDay[j].Hour
	})
	for _, b := range byDay {
		report.ByDayOfWeek = append(report.ByDayOfWeek, *b)
	}
	sort.Slice(report.ByDayOfWeek, func(i, j int) bool {
		return report.ByDayOfWeek[i].Day < report.ByDayOfWeek[j].Day
	})

	return report, nil
}

func (s *Store) PendingLoyaltyOutbox(_ context.Context, limit int) ([]domain.LoyaltyOutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LoyaltyOutboxEntry, 0, 8)
	for _, entry := range s.outbox {
		if entry.Status == domain.OutboxPending {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkLoyaltyOutbox(_ context.Context, id int64, status domain.OutboxStatus, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.outbox[id]
	if !ok {
		return apperr.System(fmt.Errorf("outbox entry %d missing", id))
	}
	entry.Status = status
	entry.Attempts = attempts
	entry.LastError = lastError
	entry.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.allocID("audit")
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID int64, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0, 32)
	for _, entry := range s.auditLogs {
		if entry.StoreID != storeID || entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == user.Username {
			return nil, apperr.InvalidInput("username %q already exists", user.Username)
		}
	}
	user.ID = s.allocID("user")
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	out := user
	return &out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
