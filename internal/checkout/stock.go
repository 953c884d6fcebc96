package checkout

import (
	"context"
	"fmt"

	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

// ReservationIndex exposes the derived reservation count: the summed line
// item quantity across all pending buy orders for one catalog item.
type ReservationIndex interface {
	PendingReservedQuantity(ctx context.Context, itemClass, itemID string) (int, error)
}

// StockValidator decides whether a requested quantity still fits in the
// catalog item's declared stock once every in-flight reservation is
// counted.
//
// This is a check-then-act validation: nothing locks the item between
// this check and the ledger insert, so two concurrent submissions can
// both pass and jointly over-reserve. Short checkout TTLs bound the
// window; callers who cannot accept the race enable StrictReservations
// on the Service instead.
type StockValidator struct {
	catalog      domain.CatalogResolver
	reservations ReservationIndex
}

func NewStockValidator(catalog domain.CatalogResolver, reservations ReservationIndex) *StockValidator {
	return &StockValidator{catalog: catalog, reservations: reservations}
}

// HasAvailableStock reports whether qty units of the item can still be
// reserved. Returns ErrItemNotFound when the item does not exist.
func (v *StockValidator) HasAvailableStock(ctx context.Context, itemClass, itemID string, qty int) (bool, error) {
	if qty <= 0 {
		return false, domain.ErrInvalidQuantity
	}

	item, err := v.catalog.Resolve(ctx, itemClass, itemID)
	if err != nil {
		return false, err
	}

	reserved, err := v.reservations.PendingReservedQuantity(ctx, itemClass, itemID)
	if err != nil {
		return false, fmt.Errorf("reserved quantity for %s/%s: %w", itemClass, itemID, err)
	}

	available := item.Quantity - reserved
	if available <= 0 {
		return false, nil
	}
	return available >= qty, nil
}
