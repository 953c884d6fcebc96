package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/checkout-engine/internal/clock"
	"github.com/joao-fontenele/checkout-engine/internal/domain"
)

// HandlerRepository is the read/write surface the HTTP layer needs
// beyond the submission service. Implemented by
// postgres.BuyOrderRepository.
type HandlerRepository interface {
	GetBuyOrder(ctx context.Context, code string) (*domain.BuyOrder, error)
	ListLineItems(ctx context.Context, code string) ([]domain.LineItem, error)
	CreateTransaction(ctx context.Context, trx domain.TransactionRecord) error
	UpdateState(ctx context.Context, code string, to domain.BuyOrderState) error
}

type Handler struct {
	service    *Service
	repo       HandlerRepository
	dispatcher Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	// allowSkipPayment gates the debug path that finalizes an order
	// without a gateway round-trip. Must stay off in production.
	allowSkipPayment bool
}

func NewHandler(service *Service, repo HandlerRepository, dispatcher Dispatcher, clk clock.Clock, logger *slog.Logger, allowSkipPayment bool) *Handler {
	return &Handler{
		service:          service,
		repo:             repo,
		dispatcher:       dispatcher,
		clock:            clk,
		logger:           logger,
		allowSkipPayment: allowSkipPayment,
	}
}

type submitRequest struct {
	OwnerID  string     `json:"owner_id"`
	Gateway  string     `json:"gateway"`
	Currency string     `json:"currency"`
	Client   string     `json:"client"`
	Lines    []CartLine `json:"lines"`
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" {
		h.writeError(w, http.StatusBadRequest, "missing owner id")
		return
	}

	order, err := h.service.Submit(r.Context(), SubmitInput{
		OwnerID:        req.OwnerID,
		Lines:          req.Lines,
		Gateway:        req.Gateway,
		Currency:       req.Currency,
		ClientMetadata: req.Client,
	})
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrItemNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrCartTooLarge),
		errors.Is(err, domain.ErrInvalidQuantity):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("checkout submission failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing buy order code")
		return
	}

	order, err := h.repo.GetBuyOrder(r.Context(), code)
	if err != nil {
		h.logger.Error("failed to get buy order", "error", err, "buy_order", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "buy order not found")
		return
	}

	items, err := h.repo.ListLineItems(r.Context(), code)
	if err != nil {
		h.logger.Error("failed to list line items", "error", err, "buy_order", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, domain.OrderSnapshot{Order: *order, Items: items})
}

type confirmRequest struct {
	TrxID          string `json:"trx_id"`
	Type           string `json:"type"`
	CardLastDigits string `json:"card_last_digits"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// HandleConfirm receives the payment gateway's confirmation callback.
// It records the transaction, hands the order to the finalizer and
// acknowledges immediately; the caller never waits on finalization.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing buy order code")
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.repo.GetBuyOrder(r.Context(), code)
	if err != nil {
		h.logger.Error("failed to get buy order", "error", err, "buy_order", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "buy order not found")
		return
	}

	trx := domain.TransactionRecord{
		BuyOrderCode:   code,
		ExternalID:     req.TrxID,
		Type:           req.Type,
		CardLastDigits: req.CardLastDigits,
		Amount:         req.Amount,
		Currency:       req.Currency,
		OccurredAt:     h.clock.Now(),
	}
	if err := h.repo.CreateTransaction(r.Context(), trx); err != nil {
		h.logger.Error("failed to record transaction", "error", err, "buy_order", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.dispatch(r.Context(), code)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "buy_order": code})
}

// HandleFail is the gateway's failure callback: the order moves from
// pending to failed and keeps holding nothing once the sweeper passes.
func (h *Handler) HandleFail(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing buy order code")
		return
	}

	if err := h.repo.UpdateState(r.Context(), code, domain.StateFailed); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to mark buy order failed", "error", err, "buy_order", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("buy order failed", "buy_order", code)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "failed", "buy_order": code})
}

// HandleSkipPayment simulates a successful payment without touching the
// gateway. Disabled outside non-production environments.
func (h *Handler) HandleSkipPayment(w http.ResponseWriter, r *http.Request) {
	if !h.allowSkipPayment {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}

	code := r.PathValue("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing buy order code")
		return
	}

	order, err := h.repo.GetBuyOrder(r.Context(), code)
	if err != nil {
		h.logger.Error("failed to get buy order", "error", err, "buy_order", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil || order.State != domain.StatePending {
		h.writeError(w, http.StatusNotFound, "no pending buy order found")
		return
	}

	h.logger.Info("payment skipped", "buy_order", code, "owner_id", order.OwnerID)
	h.dispatch(r.Context(), code)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "buy_order": code})
}

// dispatch is fire-and-forget by contract: a publish failure is logged
// and alerting catches the stuck order, the caller still gets accepted.
func (h *Handler) dispatch(ctx context.Context, code string) {
	if h.dispatcher == nil {
		return
	}
	if err := h.dispatcher.Dispatch(ctx, code); err != nil {
		h.logger.Error("failed to dispatch finalization", "error", err, "buy_order", code)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
