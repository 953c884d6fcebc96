package domain

import "context"

// CatalogItem is the sellable entity referenced by a line item. The
// catalog itself lives outside this subsystem; Quantity is the total
// declared stock and Price is in minor currency units.
type CatalogItem struct {
	Class    string `json:"item_class"`
	ID       string `json:"item_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Currency string `json:"currency"`
	Quantity int    `json:"quantity"`
}

// CatalogResolver looks up catalog items by class and id. Returns
// ErrItemNotFound when the item does not exist.
type CatalogResolver interface {
	Resolve(ctx context.Context, itemClass, itemID string) (*CatalogItem, error)
}

// SuccessHook is the optional per-item-class capability invoked by the
// finalization pipeline after an order reaches the success state. Hooks
// own their idempotency; the pipeline may call them again only through
// operator intervention, never automatically.
type SuccessHook interface {
	OnCheckoutSuccess(ctx context.Context, ownerID string, snapshot *OrderSnapshot) error
}

// HookRegistry maps catalog item classes to their success hooks. Classes
// without a hook are skipped by the pipeline.
type HookRegistry map[string]SuccessHook

// Account is the purchasing account, owned by an external module.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// AccountResolver looks up accounts by id. Returns ErrAccountNotFound
// when the account does not exist.
type AccountResolver interface {
	Resolve(ctx context.Context, id string) (*Account, error)
}
