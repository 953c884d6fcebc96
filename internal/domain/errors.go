package domain

import "errors"

var (
	ErrItemNotFound          = errors.New("catalog item not found")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrEmptyCart             = errors.New("no valid cart lines")
	ErrCartTooLarge          = errors.New("cart exceeds per-checkout quantity limit")
	ErrSubmissionPersistence = errors.New("buy order could not be persisted")
	ErrInvalidPayload        = errors.New("invalid finalization payload")
	ErrBuyOrderNotFound      = errors.New("buy order not found")
	ErrAccountNotFound       = errors.New("account not found")
	ErrIllegalTransition     = errors.New("illegal state transition")
	ErrCodeExhausted         = errors.New("buy order code generation exhausted retries")
)
