package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joao-fontenele/checkout-engine/internal/clock"
	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

// Repository is the persistence surface the submission service needs.
// Implemented by postgres.BuyOrderRepository.
type Repository interface {
	CodeIndex
	ReservationIndex
	WithTx(ctx context.Context, serializable bool, fn func(ctx context.Context) error) error
	CreateBuyOrder(ctx context.Context, order domain.BuyOrder) error
	CreateLineItem(ctx context.Context, item domain.LineItem) error
}

const (
	defaultMaxQuantity = 10
	defaultCurrency    = "CLP"
)

// Service validates an incoming cart, reserves stock and persists the buy
// order ledger in a single transaction.
type Service struct {
	repo      Repository
	validator *StockValidator
	codes     *CodeGenerator
	catalog   domain.CatalogResolver
	clock     clock.Clock
	logger    *slog.Logger

	maxQuantity int
	codeLength  int
	currency    string
	strict      bool
}

type ServiceOption func(*Service)

// WithMaxQuantity caps the aggregate quantity accepted per checkout.
func WithMaxQuantity(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxQuantity = n
		}
	}
}

// WithCodeLength overrides the generated buy order code length.
func WithCodeLength(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.codeLength = n
		}
	}
}

// WithDefaultCurrency sets the currency used when the cart does not name one.
func WithDefaultCurrency(c string) ServiceOption {
	return func(s *Service) {
		if c != "" {
			s.currency = c
		}
	}
}

// WithStrictReservations runs stock validation and the ledger insert in
// one serializable transaction. The default mode keeps the historical
// check-then-act behavior, where two concurrent submissions may both be
// accepted past the declared stock.
func WithStrictReservations() ServiceOption {
	return func(s *Service) {
		s.strict = true
	}
}

func NewService(repo Repository, catalog domain.CatalogResolver, clk clock.Clock, logger *slog.Logger, opts ...ServiceOption) *Service {
	svc := &Service{
		repo:        repo,
		validator:   NewStockValidator(catalog, repo),
		codes:       NewCodeGenerator(repo),
		catalog:     catalog,
		clock:       clk,
		logger:      logger,
		maxQuantity: defaultMaxQuantity,
		codeLength:  DefaultCodeLength,
		currency:    defaultCurrency,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CartLine is one requested quantity of one catalog item.
type CartLine struct {
	ItemClass string `json:"item_class"`
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
}

type SubmitInput struct {
	OwnerID        string
	Lines          []CartLine
	Gateway        string
	Currency       string
	ClientMetadata string
}

// Submit validates every cart line, reserves the stock and persists the
// buy order with its line items atomically. The caller receives either
// the pending order or a rejection; a partial ledger is never observable.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*domain.BuyOrder, error) {
	lines := filterLines(in.Lines)
	if len(lines) == 0 {
		return nil, domain.ErrEmptyCart
	}

	var totalQty int
	for _, line := range lines {
		totalQty += line.Quantity
	}
	if totalQty > s.maxQuantity {
		return nil, fmt.Errorf("%w: %d requested, %d allowed", domain.ErrCartTooLarge, totalQty, s.maxQuantity)
	}

	// The code is generated before any transaction opens.
	code, err := s.codes.Generate(ctx, s.codeLength)
	if err != nil {
		return nil, err
	}

	order := &domain.BuyOrder{
		Code:           code,
		OwnerID:        in.OwnerID,
		Currency:       in.Currency,
		State:          domain.StatePending,
		Gateway:        in.Gateway,
		ClientMetadata: in.ClientMetadata,
		CreatedAt:      s.clock.Now(),
	}
	if order.Currency == "" {
		order.Currency = s.currency
	}

	var items []domain.LineItem

	price := func(ctx context.Context) error {
		order.Amount = 0
		items = items[:0]
		for _, line := range lines {
			item, err := s.catalog.Resolve(ctx, line.ItemClass, line.ItemID)
			if err != nil {
				return err
			}

			ok, err := s.validator.HasAvailableStock(ctx, line.ItemClass, line.ItemID, line.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", domain.ErrInsufficientStock, item.Name)
			}

			order.Amount += int64(line.Quantity) * item.Price
			items = append(items, domain.LineItem{
				BuyOrderCode: code,
				ItemClass:    line.ItemClass,
				ItemID:       line.ItemID,
				Quantity:     line.Quantity,
			})
		}
		return nil
	}

	persist := func(ctx context.Context) error {
		if err := s.repo.CreateBuyOrder(ctx, *order); err != nil {
			return err
		}
		for _, item := range items {
			if err := s.repo.CreateLineItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	}

	if s.strict {
		// Revalidate inside the serializable transaction so competing
		// submissions cannot both pass the stock check.
		err = s.repo.WithTx(ctx, true, func(txCtx context.Context) error {
			if err := price(txCtx); err != nil {
				return err
			}
			return persist(txCtx)
		})
	} else {
		if err = price(ctx); err == nil {
			err = s.repo.WithTx(ctx, false, persist)
		}
	}

	if err != nil {
		if isRejection(err) {
			return nil, err
		}
		s.logger.Error("buy order submission failed", "buy_order", code, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrSubmissionPersistence, err)
	}

	s.logger.Info("buy order created",
		"buy_order", code,
		"owner_id", in.OwnerID,
		"amount", order.Amount,
		"currency", order.Currency,
		"gateway", order.Gateway,
	)
	return order, nil
}

// filterLines drops malformed or zero-quantity lines before validation.
func filterLines(lines []CartLine) []CartLine {
	valid := lines[:0:0]
	for _, line := range lines {
		if line.ItemClass == "" || line.ItemID == "" || line.Quantity <= 0 {
			continue
		}
		valid = append(valid, line)
	}
	return valid
}

func isRejection(err error) bool {
	return errors.Is(err, domain.ErrItemNotFound) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrInvalidQuantity)
}
