package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

// CatalogRepository reads the sellable catalog and the purchasing
// accounts. Both tables belong to other modules; this subsystem only
// needs lookups plus the post-checkout stock decrement.
type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(db *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

func (r *CatalogRepository) Resolve(ctx context.Context, itemClass, itemID string) (*domain.CatalogItem, error) {
	const query = `
SELECT item_class, item_id, name, price, currency, quantity
FROM catalog_items
WHERE item_class = $1 AND item_id = $2`

	item := &domain.CatalogItem{}
	err := r.db.QueryRowContext(ctx, query, itemClass, itemID).Scan(
		&item.Class,
		&item.ID,
		&item.Name,
		&item.Price,
		&item.Currency,
		&item.Quantity,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrItemNotFound, itemClass, itemID)
		}
		return nil, fmt.Errorf("resolve catalog item: %w", err)
	}
	return item, nil
}

// ConsumeStock subtracts a sold quantity from the catalog item, flooring
// at zero, and flips an open item to soldout when it runs out.
func (r *CatalogRepository) ConsumeStock(ctx context.Context, itemClass, itemID string, quantity int) error {
	const stmt = `
UPDATE catalog_items
SET quantity = GREATEST(quantity - $3, 0),
    state = CASE WHEN quantity - $3 <= 0 AND state = 'open' THEN 'soldout' ELSE state END
WHERE item_class = $1 AND item_id = $2`

	result, err := r.db.ExecContext(ctx, stmt, itemClass, itemID, quantity)
	if err != nil {
		return fmt.Errorf("consume stock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume stock: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", domain.ErrItemNotFound, itemClass, itemID)
	}
	return nil
}

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Resolve(ctx context.Context, id string) (*domain.Account, error) {
	account := &domain.Account{}
	err := r.db.QueryRowContext(ctx, `SELECT id, email, name FROM accounts WHERE id = $1`, id).
		Scan(&account.ID, &account.Email, &account.Name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	return account, nil
}
