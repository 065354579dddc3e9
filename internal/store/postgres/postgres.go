// Package postgres is the durable Repository. Monetary columns are NUMERIC
// and travel as strings between the driver and shopspring decimals, so no
// float ever touches an amount.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/ChainSync-sub008/internal/apperr"
	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, apperr.System(fmt.Errorf("bad numeric %q: %w", raw, err))
	}
	return d, nil
}

func (s *Store) GetStore(ctx context.Context, id int64) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, active, created_at
		FROM stores
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Name, &st.Location, &st.Active, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.StoreNotFound(id)
	}
	if err != nil {
		return nil, apperr.System(err)
	}
	return &st, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, role, active, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.UserNotFound(id)
	}
	if err != nil {
		return nil, apperr.System(err)
	}
	return &u, nil
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	var c domain.Customer
	var email, phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &email, &phone, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.CustomerNotFound(id)
	}
	if err != nil {
		return nil, apperr.System(err)
	}
	c.Email = email.String
	c.Phone = phone.String
	return &c, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price::text, active
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	result := make(map[int64]domain.Product, len(ids))
	for rows.Next() {
		var p domain.Product
		var price string
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &price, &p.Active); err != nil {
			return nil, apperr.System(err)
		}
		if p.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	return result, nil
}

func (s *Store) GetStockMap(ctx context.Context, productIDs []int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty
		FROM product_stocks
		WHERE product_id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	result := make(map[int64]int, len(productIDs))
	for rows.Next() {
		var productID int64
		var qty int
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, apperr.System(err)
		}
		result[productID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	return result, nil
}

func (s *Store) GetLoyaltyMemberByCustomer(ctx context.Context, customerID int64) (*domain.LoyaltyMember, error) {
	var m domain.LoyaltyMember
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, points
		FROM loyalty_members
		WHERE customer_id = $1
	`, customerID).Scan(&m.ID, &m.CustomerID, &m.Points)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.CustomerNotFound(customerID)
	}
	if err != nil {
		return nil, apperr.System(err)
	}
	return &m, nil
}

func (s *Store) CreateTransaction(ctx context.Context, tx domain.Transaction, outbox []domain.LoyaltyOutboxEntry) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, apperr.System(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var existingID int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM transactions WHERE reference_id = $1
	`, tx.ReferenceID).Scan(&existingID)
	if err == nil {
		_ = pgTx.Rollback()
		return s.FindTransactionByID(ctx, existingID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.System(err)
	}

	if tx.Type == domain.TxTypeSale {
		productIDs := make([]int64, 0, len(tx.Items))
		needed := map[int64]int{}
		for _, item := range tx.Items {
			if needed[item.ProductID] == 0 {
				productIDs = append(productIDs, item.ProductID)
			}
			needed[item.ProductID] += item.Quantity
		}

		stockRows, err := pgTx.QueryContext(ctx, `
			SELECT product_id, qty
			FROM product_stocks
			WHERE product_id = ANY($1)
			FOR UPDATE
		`, productIDs)
		if err != nil {
			return nil, apperr.System(err)
		}
		stock := make(map[int64]int, len(productIDs))
		for stockRows.Next() {
			var productID int64
			var qty int
			if err := stockRows.Scan(&productID, &qty); err != nil {
				_ = stockRows.Close()
				return nil, apperr.System(err)
			}
			stock[productID] = qty
		}
		if err := stockRows.Err(); err != nil {
			_ = stockRows.Close()
			return nil, apperr.System(err)
		}
		_ = stockRows.Close()

		for productID, qty := range needed {
			if stock[productID] < qty {
				return nil, apperr.InsufficientStock(productID, qty, stock[productID])
			}
		}
	}

	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO transactions
			(store_id, user_id, customer_id, type, subtotal, tax, discount, total,
			 payment_method, status, notes, reference_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		RETURNING id
	`, tx.StoreID, tx.UserID, tx.CustomerID, tx.Type,
		tx.Subtotal.String(), tx.Tax.String(), tx.Discount.String(), tx.Total.String(),
		tx.PaymentMethod, tx.Status, tx.Notes, tx.ReferenceID, tx.CreatedAt).Scan(&tx.ID)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race on reference_id; the winner's row is the answer.
			_ = pgTx.Rollback()
			return s.FindTransactionByReference(ctx, tx.ReferenceID)
		}
		return nil, apperr.System(err)
	}

	for i := range tx.Items {
		item := &tx.Items[i]
		item.TransactionID = tx.ID
		err = pgTx.QueryRowContext(ctx, `
			INSERT INTO transaction_items
				(transaction_id, product_id, quantity, unit_price, discount, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`, tx.ID, item.ProductID, item.Quantity,
			item.UnitPrice.String(), item.Discount.String(), item.Subtotal.String()).Scan(&item.ID)
		if err != nil {
			return nil, apperr.System(err)
		}
	}

	for i := range tx.Payments {
		p := &tx.Payments[i]
		p.TransactionID = tx.ID
		err = pgTx.QueryRowContext(ctx, `
			INSERT INTO transaction_payments (transaction_id, amount, method, reference, status)
			VALUES ($1,$2,$3,$4,$5)
			RETURNING id
		`, tx.ID, p.Amount.String(), p.Method, p.Reference, p.Status).Scan(&p.ID)
		if err != nil {
			return nil, apperr.System(err)
		}
	}

	if tx.Type == domain.TxTypeSale {
		for _, item := range tx.Items {
			_, err = pgTx.ExecContext(ctx, `
				UPDATE product_stocks
				SET qty = qty - $2, updated_at = now()
				WHERE product_id = $1
			`, item.ProductID, item.Quantity)
			if err != nil {
				return nil, apperr.System(err)
			}
			_, err = pgTx.ExecContext(ctx, `
				INSERT INTO stock_movements (product_id, qty_delta, reason, tx_type, reference_id, created_at)
				VALUES ($1,$2,'sale',$3,$4,$5)
			`, item.ProductID, -item.Quantity, tx.Type, fmt.Sprint(tx.ID), tx.CreatedAt)
			if err != nil {
				return nil, apperr.System(err)
			}
		}
	}

	for _, entry := range outbox {
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO loyalty_outbox
				(member_id, customer_id, transaction_id, operator_id, points, direction,
				 status, attempts, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$8)
		`, entry.MemberID, entry.CustomerID, tx.ID, entry.OperatorID,
			entry.Points, entry.Direction, domain.OutboxPending, now)
		if err != nil {
			return nil, apperr.System(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, apperr.System(err)
	}

	tx.UpdatedAt = tx.CreatedAt
	out := tx
	return &out, nil
}

func (s *Store) FindTransactionByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	txs, err := s.loadTransactions(ctx, `WHERE t.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, apperr.TransactionNotFound(id)
	}
	return &txs[0], nil
}

func (s *Store) FindTransactionByReference(ctx context.Context, referenceID string) (*domain.Transaction, error) {
	txs, err := s.loadTransactions(ctx, `WHERE t.reference_id = $1`, referenceID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, apperr.TransactionNotFound(0)
	}
	return &txs[0], nil
}

// loadTransactions fetches transaction headers matching the clause, which
// carries its own ordering and limits, then hydrates items and payments in
// two follow-up queries.
func (s *Store) loadTransactions(ctx context.Context, clause string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.store_id, t.user_id, t.customer_id, t.type,
		       t.subtotal::text, t.tax::text, t.discount::text, t.total::text,
		       t.payment_method, t.status, t.notes, t.reference_id, t.created_at, t.updated_at
		FROM transactions t
		`+clause, args...)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	var ids []int64
	for rows.Next() {
		var tx domain.Transaction
		var customerID sql.NullInt64
		var notes sql.NullString
		var subtotal, tax, discount, total string
		err := rows.Scan(&tx.ID, &tx.StoreID, &tx.UserID, &customerID, &tx.Type,
			&subtotal, &tax, &discount, &total,
			&tx.PaymentMethod, &tx.Status, &notes, &tx.ReferenceID, &tx.CreatedAt, &tx.UpdatedAt)
		if err != nil {
			return nil, apperr.System(err)
		}
		if customerID.Valid {
			v := customerID.Int64
			tx.CustomerID = &v
		}
		tx.Notes = notes.String
		if tx.Subtotal, err = parseDecimal(subtotal); err != nil {
			return nil, err
		}
		if tx.Tax, err = parseDecimal(tax); err != nil {
			return nil, err
		}
		if tx.Discount, err = parseDecimal(discount); err != nil {
			return nil, err
		}
		if tx.Total, err = parseDecimal(total); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
		ids = append(ids, tx.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	if len(txs) == 0 {
		return nil, nil
	}

	byID := make(map[int64]*domain.Transaction, len(txs))
	for i := range txs {
		byID[txs[i].ID] = &txs[i]
	}

	itemRows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, quantity,
		       unit_price::text, discount::text, subtotal::text
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var item domain.TransactionItem
		var unitPrice, discount, subtotal string
		if err := itemRows.Scan(&item.ID, &item.TransactionID, &item.ProductID,
			&item.Quantity, &unitPrice, &discount, &subtotal); err != nil {
			return nil, apperr.System(err)
		}
		if item.UnitPrice, err = parseDecimal(unitPrice); err != nil {
			return nil, err
		}
		if item.Discount, err = parseDecimal(discount); err != nil {
			return nil, err
		}
		if item.Subtotal, err = parseDecimal(subtotal); err != nil {
			return nil, err
		}
		if tx := byID[item.TransactionID]; tx != nil {
			tx.Items = append(tx.Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, apperr.System(err)
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, amount::text, method, reference, status
		FROM transaction_payments
		WHERE transaction_id = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var p domain.TransactionPayment
		var amount string
		var reference sql.NullString
		if err := paymentRows.Scan(&p.ID, &p.TransactionID, &amount, &p.Method, &reference, &p.Status); err != nil {
			return nil, apperr.System(err)
		}
		if p.Amount, err = parseDecimal(amount); err != nil {
			return nil, err
		}
		p.Reference = reference.String
		if tx := byID[p.TransactionID]; tx != nil {
			tx.Payments = append(tx.Payments, p)
		}
	}
	if err := paymentRows.Err(); err != nil {
		return nil, apperr.System(err)
	}

	return txs, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, id int64, req domain.UpdateTransactionRequest) (*domain.Transaction, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, apperr.System(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var current domain.TransactionStatus
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM transactions WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.TransactionNotFound(id)
	}
	if err != nil {
		return nil, apperr.System(err)
	}

	if req.Status != nil {
		if !domain.CanTransition(current, *req.Status) {
			return nil, apperr.InvalidTransactionStatus(string(current), string(*req.Status))
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1
		`, id, *req.Status); err != nil {
			return nil, apperr.System(err)
		}
	}
	if req.Notes != nil {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE transactions SET notes = $2, updated_at = now() WHERE id = $1
		`, id, *req.Notes); err != nil {
			return nil, apperr.System(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, apperr.System(err)
	}
	return s.FindTransactionByID(ctx, id)
}

func (s *Store) ListTransactionsByStore(ctx context.Context, storeID int64, limit, offset int) ([]domain.Transaction, error) {
	return s.loadTransactions(ctx, `
		WHERE t.store_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2 OFFSET $3
	`, storeID, limit, offset)
}

func (s *Store) ListTransactionsByCustomer(ctx context.Context, customerID int64, limit, offset int) ([]domain.Transaction, error) {
	return s.loadTransactions(ctx, `
		WHERE t.customer_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2 OFFSET $3
	`, customerID, limit, offset)
}

func (s *Store) SearchTransactions(ctx context.Context, storeID int64, keyword string, limit int) ([]domain.Transaction, error) {
	pattern := "%" + keyword + "%"
	return s.loadTransactions(ctx, `
		WHERE t.store_id = $1
		  AND (t.reference_id ILIKE $2 OR t.notes ILIKE $2 OR t.id::text = $3)
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $4
	`, storeID, pattern, keyword, limit)
}

func (s *Store) CreateReturn(ctx context.Context, ret domain.Return, fullRefund bool) (*domain.Return, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, apperr.System(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var status domain.TransactionStatus
	var totalRaw string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status, total::text FROM transactions WHERE id = $1 FOR UPDATE
	`, ret.TransactionID).Scan(&status, &totalRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.TransactionNotFound(ret.TransactionID)
	}
	if err != nil {
		return nil, apperr.System(err)
	}
	total, err := parseDecimal(totalRaw)
	if err != nil {
		return nil, err
	}

	target := domain.TxStatusPartiallyRefunded
	if fullRefund {
		target = domain.TxStatusRefunded
	}
	if !domain.CanTransition(status, target) {
		return nil, apperr.InvalidTransactionStatus(string(status), string(target))
	}

	var refundedRaw string
	err = pgTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM returns WHERE transaction_id = $1
	`, ret.TransactionID).Scan(&refundedRaw)
	if err != nil {
		return nil, apperr.System(err)
	}
	refundedSoFar, err := parseDecimal(refundedRaw)
	if err != nil {
		return nil, err
	}
	if ret.Amount.Add(refundedSoFar).GreaterThan(total) {
		return nil, apperr.InvalidRefundAmount(
			"refund %s plus already refunded %s exceeds transaction total %s",
			ret.Amount, refundedSoFar, total)
	}

	type itemRow struct {
		productID int64
		quantity  int
	}
	items := map[int64]itemRow{}
	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT id, product_id, quantity
		FROM transaction_items
		WHERE transaction_id = $1
	`, ret.TransactionID)
	if err != nil {
		return nil, apperr.System(err)
	}
	for itemRows.Next() {
		var id int64
		var row itemRow
		if err := itemRows.Scan(&id, &row.productID, &row.quantity); err != nil {
			_ = itemRows.Close()
			return nil, apperr.System(err)
		}
		items[id] = row
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, apperr.System(err)
	}
	_ = itemRows.Close()

	refundedQty := map[int64]int{}
	qtyRows, err := pgTx.QueryContext(ctx, `
		SELECT ri.transaction_item_id, COALESCE(SUM(ri.quantity), 0)::int
		FROM returns r
		JOIN return_items ri ON ri.return_id = r.id
		WHERE r.transaction_id = $1
		GROUP BY ri.transaction_item_id
	`, ret.TransactionID)
	if err != nil {
		return nil, apperr.System(err)
	}
	for qtyRows.Next() {
		var itemID int64
		var qty int
		if err := qtyRows.Scan(&itemID, &qty); err != nil {
			_ = qtyRows.Close()
			return nil, apperr.System(err)
		}
		refundedQty[itemID] = qty
	}
	if err := qtyRows.Err(); err != nil {
		_ = qtyRows.Close()
		return nil, apperr.System(err)
	}
	_ = qtyRows.Close()

	for _, ri := range ret.Items {
		item, ok := items[ri.TransactionItemID]
		if !ok {
			return nil, apperr.TransactionItemNotFound(ri.TransactionItemID)
		}
		if ri.Quantity < 1 {
			return nil, apperr.InvalidRefundAmount("refund quantity must be positive for item %d", ri.TransactionItemID)
		}
		if refundedQty[ri.TransactionItemID]+ri.Quantity > item.quantity {
			return nil, apperr.InvalidRefundAmount(
				"item %d sold qty %d, already refunded %d, requested %d",
				ri.TransactionItemID, item.quantity, refundedQty[ri.TransactionItemID], ri.Quantity)
		}
	}

	now := time.Now().UTC()
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = now
	}
	err = pgTx.QueryRowContext(ctx, `
		INSERT INTO returns (transaction_id, refund_number, amount, reason, processed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, ret.TransactionID, ret.RefundNumber, ret.Amount.String(), ret.Reason, ret.ProcessedBy, ret.CreatedAt).Scan(&ret.ID)
	if err != nil {
		return nil, apperr.System(err)
	}

	for i := range ret.Items {
		ri := &ret.Items[i]
		ri.ReturnID = ret.ID
		err = pgTx.QueryRowContext(ctx, `
			INSERT INTO return_items (return_id, transaction_item_id, quantity, restocked)
			VALUES ($1,$2,$3,$4)
			RETURNING id
		`, ret.ID, ri.TransactionItemID, ri.Quantity, ri.Restocked).Scan(&ri.ID)
		if err != nil {
			return nil, apperr.System(err)
		}
		if !ri.Restocked {
			continue
		}
		item := items[ri.TransactionItemID]
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE product_stocks SET qty = qty + $2, updated_at = now() WHERE product_id = $1
		`, item.productID, ri.Quantity); err != nil {
			return nil, apperr.System(err)
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO stock_movements (product_id, qty_delta, reason, tx_type, reference_id, created_at)
			VALUES ($1,$2,'refund restock',$3,$4,$5)
		`, item.productID, ri.Quantity, domain.TxTypeRefund, ret.RefundNumber, ret.CreatedAt); err != nil {
			return nil, apperr.System(err)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1
	`, ret.TransactionID, target); err != nil {
		return nil, apperr.System(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, apperr.System(err)
	}
	out := ret
	return &out, nil
}

func (s *Store) RefundedQtyByTransaction(ctx context.Context, transactionID int64) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ri.transaction_item_id, COALESCE(SUM(ri.quantity), 0)::int
		FROM returns r
		JOIN return_items ri ON ri.return_id = r.id
		WHERE r.transaction_id = $1
		GROUP BY ri.transaction_item_id
	`, transactionID)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	result := map[int64]int{}
	for rows.Next() {
		var itemID int64
		var qty int
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, apperr.System(err)
		}
		result[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	return result, nil
}

func (s *Store) RefundedAmountByTransaction(ctx context.Context, transactionID int64) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text FROM returns WHERE transaction_id = $1
	`, transactionID).Scan(&raw)
	if err != nil {
		return decimal.Zero, apperr.System(err)
	}
	return parseDecimal(raw)
}

func (s *Store) AdjustStock(ctx context.Context, movement domain.StockMovement) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return apperr.System(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var qty int
	err = pgTx.QueryRowContext(ctx, `
		SELECT qty FROM product_stocks WHERE product_id = $1 FOR UPDATE
	`, movement.ProductID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ProductNotFound(movement.ProductID)
	}
	if err != nil {
		return apperr.System(err)
	}
	if qty+movement.QtyDelta < 0 {
		return apperr.InsufficientStock(movement.ProductID, -movement.QtyDelta, qty)
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE product_stocks SET qty = qty + $2, updated_at = now() WHERE product_id = $1
	`, movement.ProductID, movement.QtyDelta); err != nil {
		return apperr.System(err)
	}
	if _, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_movements (product_id, qty_delta, reason, tx_type, reference_id, created_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, movement.ProductID, movement.QtyDelta, movement.Reason, movement.TxType, movement.ReferenceID); err != nil {
		return apperr.System(err)
	}

	if err := pgTx.Commit(); err != nil {
		return apperr.System(err)
	}
	return nil
}

func (s *Store) ListStockMovements(ctx context.Context, referenceID string, limit int) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, qty_delta, reason, tx_type, reference_id, created_at
		FROM stock_movements
		WHERE $1::text = '' OR reference_id = $1
		ORDER BY id
		LIMIT $2
	`, referenceID, limit)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	var movements []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.QtyDelta, &m.Reason, &m.TxType, &m.ReferenceID, &m.CreatedAt); err != nil {
			return nil, apperr.System(err)
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	return movements, nil
}

func (s *Store) TransactionAnalytics(ctx context.Context, storeID int64, from, to time.Time) (domain.AnalyticsReport, error) {
	report := domain.AnalyticsReport{
		StoreID:   storeID,
		StartDate: from,
		EndDate:   to,
	}

	var salesRaw, returnsRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total) FILTER (WHERE status = 'completed'), 0)::text,
			COALESCE(SUM(total) FILTER (WHERE status = 'refunded'), 0)::text,
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'refunded')
		FROM transactions
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
	`, storeID, from, to).Scan(&salesRaw, &returnsRaw, &report.CompletedCount, &report.RefundedCount)
	if err != nil {
		return report, apperr.System(err)
	}
	if report.TotalSales, err = parseDecimal(salesRaw); err != nil {
		return report, err
	}
	if report.TotalReturns, err = parseDecimal(returnsRaw); err != nil {
		return report, err
	}
	report.NetSales = report.TotalSales.Sub(report.TotalReturns)
	report.AverageTransactionValue = decimal.Zero
	if report.CompletedCount > 0 {
		report.AverageTransactionValue = report.TotalSales.DivRound(decimal.NewFromInt(report.CompletedCount), 2)
	}

	const bucketFilter = `
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		  AND status IN ('completed', 'refunded')
	`

	methodRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COALESCE(SUM(total), 0)::text, COUNT(*)
		FROM transactions
		`+bucketFilter+`
		GROUP BY payment_method
		ORDER BY payment_method
	`, storeID, from, to)
	if err != nil {
		return report, apperr.System(err)
	}
	defer methodRows.Close()
	for methodRows.Next() {
		var b domain.PaymentMethodBucket
		var amount string
		if err := methodRows.Scan(&b.Method, &amount, &b.Count); err != nil {
			return report, apperr.System(err)
		}
		if b.Amount, err = parseDecimal(amount); err != nil {
			return report, err
		}
		report.ByPaymentMethod = append(report.ByPaymentMethod, b)
	}
	if err := methodRows.Err(); err != nil {
		return report, apperr.System(err)
	}

	hourRows, err := s.db.QueryContext(ctx, `
		SELECT EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC')::int,
		       COALESCE(SUM(total), 0)::text, COUNT(*)
		FROM transactions
		`+bucketFilter+`
		GROUP BY 1
		ORDER BY 1
	`, storeID, from, to)
	if err != nil {
		return report, apperr.System(err)
	}
	defer hourRows.Close()
	for hourRows.Next() {
		var b domain.HourBucket
		var amount string
		if err := hourRows.Scan(&b.Hour, &amount, &b.Count); err != nil {
			return report, apperr.System(err)
		}
		if b.Amount, err = parseDecimal(amount); err != nil {
			return report, err
		}
		report.ByHourOfDay = append(report.ByHourOfDay, b)
	}
	if err := hourRows.Err(); err != nil {
		return report, apperr.System(err)
	}

	dayRows, err := s.db.QueryContext(ctx, `
		SELECT EXTRACT(DOW FROM created_at AT TIME ZONE 'UTC')::int,
		       COALESCE(SUM(total), 0)::text, COUNT(*)
		FROM transactions
		`+bucketFilter+`
		GROUP BY 1
		ORDER BY 1
	`, storeID, from, to)
	if err != nil {
		return report, apperr.System(err)
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var b domain.DayOfWeekBucket
		var amount string
		if err := dayRows.Scan(&b.Day, &amount, &b.Count); err != nil {
			return report, apperr.System(err)
		}
		if b.Amount, err = parseDecimal(amount); err != nil {
			return report, err
		}
		report.ByDayOfWeek = append(report.ByDayOfWeek, b)
	}
	if err := dayRows.Err(); err != nil {
		return report, apperr.System(err)
	}

	return report, nil
}

func (s *Store) PendingLoyaltyOutbox(ctx context.Context, limit int) ([]domain.LoyaltyOutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_id, customer_id, transaction_id, operator_id, points,
		       direction, status, attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM loyalty_outbox
		WHERE status = $1
		ORDER BY id
		LIMIT $2
	`, domain.OutboxPending, limit)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	var entries []domain.LoyaltyOutboxEntry
	for rows.Next() {
		var e domain.LoyaltyOutboxEntry
		if err := rows.Scan(&e.ID, &e.MemberID, &e.CustomerID, &e.TransactionID, &e.OperatorID,
			&e.Points, &e.Direction, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, apperr.System(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	return entries, nil
}

func (s *Store) MarkLoyaltyOutbox(ctx context.Context, id int64, status domain.OutboxStatus, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE loyalty_outbox
		SET status = $2, attempts = $3, last_error = NULLIF($4, ''), updated_at = now()
		WHERE id = $1
	`, id, status, attempts, lastError)
	if err != nil {
		return apperr.System(err)
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (store_id, actor_id, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, entry.StoreID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, entry.Detail)
	if err != nil {
		return apperr.System(err)
	}
	return nil
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID int64, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_id, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY id DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	var logs []domain.AuditLog
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorID, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, apperr.System(err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,now())
		RETURNING id, created_at
	`, user.Username, user.PasswordHash, user.Role, user.Active).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.InvalidInput("username %q already exists", user.Username)
		}
		return nil, apperr.System(err)
	}
	out := user
	return &out, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, role, active, created_at
		FROM users
		ORDER BY id
	`)
	if err != nil {
		return nil, apperr.System(err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, apperr.System(err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.System(err)
	}
	return users, nil
}
