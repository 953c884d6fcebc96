// Package catalog holds the checkout-facing pieces of the sellable
// catalog: the standard success hook that moves sold quantities out of
// declared stock once an order completes.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

// StockAdjuster subtracts sold stock. Implemented by
// postgres.CatalogRepository.
type StockAdjuster interface {
	ConsumeStock(ctx context.Context, itemClass, itemID string, quantity int) error
}

// StockConsumer is the default domain.SuccessHook for a catalog item
// class: it decrements the class's declared stock by each sold line.
// The decrement floors at zero, so replaying a finalization cannot drive
// stock negative.
type StockConsumer struct {
	itemClass string
	stock     StockAdjuster
	logger    *slog.Logger
}

func NewStockConsumer(itemClass string, stock StockAdjuster, logger *slog.Logger) *StockConsumer {
	return &StockConsumer{itemClass: itemClass, stock: stock, logger: logger}
}

func (h *StockConsumer) OnCheckoutSuccess(ctx context.Context, ownerID string, snapshot *domain.OrderSnapshot) error {
	for _, item := range snapshot.ItemsByClass()[h.itemClass] {
		if item.Quantity <= 0 {
			continue
		}
		if err := h.stock.ConsumeStock(ctx, item.ItemClass, item.ItemID, item.Quantity); err != nil {
			return fmt.Errorf("consume stock %s/%s: %w", item.ItemClass, item.ItemID, err)
		}
		h.logger.Info("stock consumed",
			"item_class", item.ItemClass,
			"item_id", item.ItemID,
			"quantity", item.Quantity,
			"owner_id", ownerID,
			"buy_order", snapshot.Order.Code,
		)
	}
	return nil
}
