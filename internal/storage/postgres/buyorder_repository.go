package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

// BuyOrderRepository persists buy order headers, line items and gateway
// transaction records. All methods join a transaction opened by WithTx
// when one is present in the context.
type BuyOrderRepository struct {
	db *sql.DB
}

func NewBuyOrderRepository(db *sql.DB) *BuyOrderRepository {
	return &BuyOrderRepository{db: db}
}

func (r *BuyOrderRepository) WithTx(ctx context.Context, serializable bool, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, serializable, fn)
}

func (r *BuyOrderRepository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM buy_orders WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("code exists: %w", err)
	}
	return exists, nil
}

// PendingReservedQuantity sums the line item quantity held by all buy
// orders still in the pending state for one catalog item. This is the
// derived reservation count; nothing stores it.
func (r *BuyOrderRepository) PendingReservedQuantity(ctx context.Context, itemClass, itemID string) (int, error) {
	const query = `
SELECT COALESCE(SUM(items.quantity), 0)
FROM buy_order_items AS items
INNER JOIN buy_orders AS orders ON orders.code = items.buy_order_code
WHERE items.item_class = $1 AND items.item_id = $2 AND orders.state = 'pending'`

	var total int
	if err := r.queryRow(ctx, query, itemClass, itemID).Scan(&total); err != nil {
		return 0, fmt.Errorf("pending reserved quantity: %w", err)
	}
	return total, nil
}

func (r *BuyOrderRepository) CreateBuyOrder(ctx context.Context, order domain.BuyOrder) error {
	const stmt = `
INSERT INTO buy_orders (code, owner_id, amount, currency, state, gateway, client, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.exec(ctx, stmt,
		order.Code,
		order.OwnerID,
		order.Amount,
		order.Currency,
		order.State,
		order.Gateway,
		order.ClientMetadata,
		order.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create buy order: %w", err)
	}
	return nil
}

func (r *BuyOrderRepository) CreateLineItem(ctx context.Context, item domain.LineItem) error {
	const stmt = `
INSERT INTO buy_order_items (id, buy_order_code, item_class, item_id, quantity, consumed)
VALUES ($1, $2, $3, $4, $5, $6)`

	id := item.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := r.exec(ctx, stmt, id, item.BuyOrderCode, item.ItemClass, item.ItemID, item.Quantity, item.Consumed)
	if err != nil {
		return fmt.Errorf("create line item: %w", err)
	}
	return nil
}

func (r *BuyOrderRepository) GetBuyOrder(ctx context.Context, code string) (*domain.BuyOrder, error) {
	const query = `
SELECT code, owner_id, amount, currency, state, gateway, client, created_at
FROM buy_orders
WHERE code = $1`

	order := &domain.BuyOrder{}
	err := r.queryRow(ctx, query, code).Scan(
		&order.Code,
		&order.OwnerID,
		&order.Amount,
		&order.Currency,
		&order.State,
		&order.Gateway,
		&order.ClientMetadata,
		&order.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get buy order: %w", err)
	}
	return order, nil
}

func (r *BuyOrderRepository) ListLineItems(ctx context.Context, code string) ([]domain.LineItem, error) {
	const query = `
SELECT id, buy_order_code, item_class, item_id, quantity, consumed
FROM buy_order_items
WHERE buy_order_code = $1
ORDER BY item_class, item_id`

	rows, err := r.query(ctx, query, code)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []domain.LineItem
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ID, &item.BuyOrderCode, &item.ItemClass, &item.ItemID, &item.Quantity, &item.Consumed); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}

	return items, nil
}

// UpdateState moves a buy order between states. The legal source state is
// part of the WHERE clause, so an order that already left that state is
// never overwritten; such calls return domain.ErrIllegalTransition.
func (r *BuyOrderRepository) UpdateState(ctx context.Context, code string, to domain.BuyOrderState) error {
	var from domain.BuyOrderState
	switch to {
	case domain.StateSuccess, domain.StateFailed:
		from = domain.StatePending
	case domain.StateOverturn:
		from = domain.StateSuccess
	default:
		return fmt.Errorf("%w: no transition to %q", domain.ErrIllegalTransition, to)
	}

	result, err := r.exec(ctx, `UPDATE buy_orders SET state = $1 WHERE code = $2 AND state = $3`, to, code, from)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, code, to)
	}
	return nil
}

func (r *BuyOrderRepository) MarkItemsConsumed(ctx context.Context, code string) error {
	if _, err := r.exec(ctx, `UPDATE buy_order_items SET consumed = TRUE WHERE buy_order_code = $1`, code); err != nil {
		return fmt.Errorf("mark items consumed: %w", err)
	}
	return nil
}

func (r *BuyOrderRepository) CreateTransaction(ctx context.Context, trx domain.TransactionRecord) error {
	const stmt = `
INSERT INTO buy_order_trx (id, buy_order_code, trx_id, type, card_last_digits, amount, currency, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	id := trx.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := r.exec(ctx, stmt, id, trx.BuyOrderCode, trx.ExternalID, trx.Type, trx.CardLastDigits, trx.Amount, trx.Currency, trx.OccurredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction already recorded for %s: %w", trx.BuyOrderCode, err)
		}
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (r *BuyOrderRepository) GetTransaction(ctx context.Context, code string) (*domain.TransactionRecord, error) {
	const query = `
SELECT id, buy_order_code, trx_id, type, card_last_digits, amount, currency, occurred_at
FROM buy_order_trx
WHERE buy_order_code = $1`

	trx := &domain.TransactionRecord{}
	err := r.queryRow(ctx, query, code).Scan(
		&trx.ID,
		&trx.BuyOrderCode,
		&trx.ExternalID,
		&trx.Type,
		&trx.CardLastDigits,
		&trx.Amount,
		&trx.Currency,
		&trx.OccurredAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return trx, nil
}

// DeleteExpiredPending removes every pending buy order created before the
// cutoff. Line items cascade, which is what releases their reservations.
func (r *BuyOrderRepository) DeleteExpiredPending(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.exec(ctx, `DELETE FROM buy_orders WHERE state = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired pending: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired pending: %w", err)
	}
	return deleted, nil
}

func (r *BuyOrderRepository) exec(ctx context.Context, stmt string, args ...any) (sql.Result, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.ExecContext(ctx, stmt, args...)
	}
	return r.db.ExecContext(ctx, stmt, args...)
}

func (r *BuyOrderRepository) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return r.db.QueryRowContext(ctx, query, args...)
}

func (r *BuyOrderRepository) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return r.db.QueryContext(ctx, query, args...)
}
