// Package finalize runs the asynchronous completion workflow for a paid
// buy order. It consumes sealed payloads published by the checkout
// service, so no client is ever waiting on its outcome: every failure is
// routed to the operator alert channel instead of a response.
package finalize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joao-fontenele/checkout-engine/internal/domain"
	"github.com/joao-fontenele/checkout-engine/internal/payload"
)

// Repository is the persistence surface the pipeline needs. Implemented
// by postgres.BuyOrderRepository.
type Repository interface {
	GetBuyOrder(ctx context.Context, code string) (*domain.BuyOrder, error)
	ListLineItems(ctx context.Context, code string) ([]domain.LineItem, error)
	UpdateState(ctx context.Context, code string, to domain.BuyOrderState) error
	MarkItemsConsumed(ctx context.Context, code string) error
	GetTransaction(ctx context.Context, code string) (*domain.TransactionRecord, error)
}

// Alerter is the out-of-band operator notification channel. Notify must
// never fail the caller; implementations swallow their own errors.
type Alerter interface {
	Notify(ctx context.Context, err error, fields map[string]string)
}

// CompletionListener receives the finished order after every class hook
// has run. Wired by the embedding application.
type CompletionListener func(ctx context.Context, ownerID string, snapshot *domain.OrderSnapshot) error

// Pipeline finalizes buy orders. It never retries: a failed run leaves
// the order wherever the failure found it and alerts the operators.
type Pipeline struct {
	repo     Repository
	accounts domain.AccountResolver
	hooks    domain.HookRegistry
	listener CompletionListener
	codec    *payload.Codec
	alert    Alerter
	logger   *slog.Logger
}

func NewPipeline(
	repo Repository,
	accounts domain.AccountResolver,
	hooks domain.HookRegistry,
	listener CompletionListener,
	codec *payload.Codec,
	alert Alerter,
	logger *slog.Logger,
) *Pipeline {
	return &Pipeline{
		repo:     repo,
		accounts: accounts,
		hooks:    hooks,
		listener: listener,
		codec:    codec,
		alert:    alert,
		logger:   logger,
	}
}

// Handle processes one sealed finalization payload. It always returns
// nil so the consumer commits the message; there is nobody to surface an
// error to, and the pipeline does not retry itself.
func (p *Pipeline) Handle(ctx context.Context, sealed []byte) error {
	fields := map[string]string{}

	msg, err := p.codec.Open(sealed)
	if err != nil {
		p.fail(ctx, err, fields)
		return nil
	}
	fields["buy_order"] = msg.BuyOrder

	p.logger.Info("finalizing buy order", "buy_order", msg.BuyOrder)

	order, err := p.repo.GetBuyOrder(ctx, msg.BuyOrder)
	if err != nil {
		p.fail(ctx, err, fields)
		return nil
	}
	if order == nil {
		p.fail(ctx, fmt.Errorf("%w: %s", domain.ErrBuyOrderNotFound, msg.BuyOrder), fields)
		return nil
	}
	fields["owner_id"] = order.OwnerID

	account, err := p.accounts.Resolve(ctx, order.OwnerID)
	if err != nil {
		p.fail(ctx, err, fields)
		return nil
	}

	items, err := p.repo.ListLineItems(ctx, order.Code)
	if err != nil {
		p.fail(ctx, err, fields)
		return nil
	}

	snapshot := &domain.OrderSnapshot{
		Order:       *order,
		Items:       items,
		ItemClasses: distinctClasses(items),
	}

	if err := p.repo.UpdateState(ctx, order.Code, domain.StateSuccess); err != nil {
		p.fail(ctx, err, fields)
		return nil
	}
	snapshot.Order.State = domain.StateSuccess

	if err := p.repo.MarkItemsConsumed(ctx, order.Code); err != nil {
		p.fail(ctx, err, fields)
		return nil
	}
	for i := range snapshot.Items {
		snapshot.Items[i].Consumed = true
	}

	// Every class hook runs even if an earlier one fails. Hooks own
	// their idempotency and recovery; a broken hook only costs its own
	// class its side effects.
	for _, class := range snapshot.ItemClasses {
		hook, ok := p.hooks[class]
		if !ok {
			continue
		}
		if err := hook.OnCheckoutSuccess(ctx, account.ID, snapshot); err != nil {
			p.fail(ctx, fmt.Errorf("success hook %s: %w", class, err), fields)
		}
	}

	trx, err := p.repo.GetTransaction(ctx, order.Code)
	if err != nil {
		p.fail(ctx, err, fields)
		return nil
	}
	snapshot.Transaction = trx

	if p.listener != nil {
		if err := p.listener(ctx, account.ID, snapshot); err != nil {
			p.fail(ctx, fmt.Errorf("completion listener: %w", err), fields)
			return nil
		}
	}

	p.logger.Info("buy order finalized", "buy_order", order.Code, "owner_id", order.OwnerID)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, err error, fields map[string]string) {
	p.logger.Error("finalization failed",
		"error", err,
		"buy_order", fields["buy_order"],
		"owner_id", fields["owner_id"],
	)
	p.alert.Notify(ctx, err, fields)
}

func distinctClasses(items []domain.LineItem) []string {
	seen := make(map[string]bool, len(items))
	var classes []string
	for _, item := range items {
		if !seen[item.ItemClass] {
			seen[item.ItemClass] = true
			classes = append(classes, item.ItemClass)
		}
	}
	return classes
}
