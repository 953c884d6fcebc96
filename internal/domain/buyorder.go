package domain

import "time"

type BuyOrderState string

const (
	StatePending  BuyOrderState = "pending"
	StateSuccess  BuyOrderState = "success"
	StateFailed   BuyOrderState = "failed"
	StateOverturn BuyOrderState = "overturn"
)

// States lists every value the state column accepts.
var States = []BuyOrderState{StatePending, StateSuccess, StateFailed, StateOverturn}

// CanTransition reports whether a buy order may move from one state to
// another. Pending orders may succeed or fail; a successful order may
// only be overturned (chargeback). Everything else is rejected.
func CanTransition(from, to BuyOrderState) bool {
	switch from {
	case StatePending:
		return to == StateSuccess || to == StateFailed
	case StateSuccess:
		return to == StateOverturn
	default:
		return false
	}
}

// BuyOrder is the header record for one checkout attempt. Amount and
// Currency are computed from the line items at submission time and never
// change afterwards. Code is assigned once and is globally unique.
type BuyOrder struct {
	Code           string        `json:"buy_order"`
	OwnerID        string        `json:"owner_id"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	State          BuyOrderState `json:"state"`
	Gateway        string        `json:"gateway"`
	ClientMetadata string        `json:"client,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// LineItem is one reserved quantity of one catalog item inside a buy
// order. Rows are created atomically with the header and never mutated,
// except for Consumed which is set when the order completes.
type LineItem struct {
	ID           string `json:"id"`
	BuyOrderCode string `json:"buy_order"`
	ItemClass    string `json:"item_class"`
	ItemID       string `json:"item_id"`
	Quantity     int    `json:"quantity"`
	Consumed     bool   `json:"consumed"`
}

// TransactionRecord is the payment gateway's receipt for a buy order.
// At most one exists per order and the finalization pipeline only reads it.
type TransactionRecord struct {
	ID             string    `json:"id"`
	BuyOrderCode   string    `json:"buy_order"`
	ExternalID     string    `json:"trx_id"`
	Type           string    `json:"type"`
	CardLastDigits string    `json:"card_last_digits,omitempty"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// OrderSnapshot is the read-only view handed to completion hooks and the
// completion listener after a successful checkout.
type OrderSnapshot struct {
	Order       BuyOrder           `json:"order"`
	Items       []LineItem         `json:"items"`
	ItemClasses []string           `json:"item_classes"`
	Transaction *TransactionRecord `json:"transaction,omitempty"`
}

// ItemsByClass groups the snapshot's line items by their catalog item class.
func (s *OrderSnapshot) ItemsByClass() map[string][]LineItem {
	grouped := make(map[string][]LineItem)
	for _, item := range s.Items {
		grouped[item.ItemClass] = append(grouped[item.ItemClass], item)
	}
	return grouped
}
