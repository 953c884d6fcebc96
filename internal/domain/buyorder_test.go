package domain

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := map[[2]BuyOrderState]bool{
		{StatePending, StateSuccess}:  true,
		{StatePending, StateFailed}:   true,
		{StateSuccess, StateOverturn}: true,
	}

	for _, from := range States {
		for _, to := range States {
			got := CanTransition(from, to)
			want := allowed[[2]BuyOrderState{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestOrderSnapshot_ItemsByClass(t *testing.T) {
	snapshot := &OrderSnapshot{
		Items: []LineItem{
			{ItemClass: "ticket", ItemID: "ga", Quantity: 2},
			{ItemClass: "merch", ItemID: "shirt", Quantity: 1},
			{ItemClass: "ticket", ItemID: "vip", Quantity: 1},
		},
	}

	grouped := snapshot.ItemsByClass()
	if len(grouped["ticket"]) != 2 {
		t.Errorf("expected 2 ticket items, got %d", len(grouped["ticket"]))
	}
	if len(grouped["merch"]) != 1 {
		t.Errorf("expected 1 merch item, got %d", len(grouped["merch"]))
	}
	if len(grouped) != 2 {
		t.Errorf("expected 2 classes, got %d", len(grouped))
	}
}
