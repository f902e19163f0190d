package order

import (
	"testing"

	"blocky-maker-go/gateway"
)

func resting(id, side string, price, qty float64) gateway.Order {
	return gateway.Order{ID: id, Market: "diam_iron", Side: side, Price: price, Quantity: qty, Status: "open"}
}

func TestDiff_MatchingOrdersSurvive(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	open := []gateway.Order{
		resting("b1", "buy", 9.75, 5.0),
		resting("s1", "sell", 10.25, 5.0),
	}

	d := r.Diff(open,
		Target{Price: 9.75, Qty: 5.0, Active: true},
		Target{Price: 10.25, Qty: 5.0, Active: true})

	if len(d.Cancel) != 0 {
		t.Errorf("matching orders should survive, cancel = %v", d.Cancel)
	}
	if !d.BuyActive || !d.SellActive {
		t.Errorf("both sides should be active: %+v", d)
	}
}

func TestDiff_PercentToleranceAbsorbsDrift(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	// 1.5% price drift on a 100.00 target: inside the 2% band
	open := []gateway.Order{resting("b1", "buy", 98.50, 5.0)}

	d := r.Diff(open, Target{Price: 100.00, Qty: 5.0, Active: true}, Target{})
	if len(d.Cancel) != 0 {
		t.Errorf("1.5%% drift should be within percent tolerance, cancel = %v", d.Cancel)
	}
}

func TestDiff_AbsolutePolicyIsStrict(t *testing.T) {
	r := NewReconciler(ReconcilerConfig{
		Policy:         PolicyAbsolute,
		PriceTolerance: 0.02,
		QtyTolerance:   0.5,
	})
	open := []gateway.Order{resting("b1", "buy", 98.50, 5.0)}

	d := r.Diff(open, Target{Price: 100.00, Qty: 5.0, Active: true}, Target{})
	if len(d.Cancel) != 1 {
		t.Errorf("absolute policy should cancel the drifted order, cancel = %v", d.Cancel)
	}
}

func TestDiff_UndesiredSideCancelled(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	open := []gateway.Order{resting("s1", "sell", 10.25, 5.0)}

	// sell side no longer wanted
	d := r.Diff(open, Target{}, Target{Price: 10.25, Qty: 5.0, Active: false})
	if len(d.Cancel) != 1 || d.Cancel[0] != "s1" {
		t.Errorf("inactive side should be cancelled, got %v", d.Cancel)
	}
	if d.SellActive {
		t.Error("sell must not be active")
	}
}

func TestDiff_DuplicateSideKeepsOne(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	open := []gateway.Order{
		resting("b1", "buy", 9.75, 5.0),
		resting("b2", "buy", 9.75, 5.0),
	}

	d := r.Diff(open, Target{Price: 9.75, Qty: 5.0, Active: true}, Target{})
	if !d.BuyActive {
		t.Error("one matching buy should survive")
	}
	if len(d.Cancel) != 1 {
		t.Errorf("duplicate should be cancelled, cancel = %v", d.Cancel)
	}
}

func TestDiff_MissingIDSkipped(t *testing.T) {
	r := NewReconciler(DefaultReconcilerConfig())
	open := []gateway.Order{{Market: "diam_iron", Side: "buy", Price: 1, Quantity: 1, Status: "open"}}

	d := r.Diff(open, Target{}, Target{})
	if len(d.Cancel) != 0 {
		t.Errorf("orders without IDs cannot be cancelled, got %v", d.Cancel)
	}
}

func TestFilterResting(t *testing.T) {
	orders := []gateway.Order{
		{ID: "1", Market: "diam_iron", Status: "open"},
		{ID: "2", Market: "diam_iron", Status: "OPEN"}, // uppercase from the API
		{ID: "3", Market: "diam_iron", Status: "filled"},
		{ID: "4", Market: "gold_iron", Status: "open"},
	}
	got := FilterResting(orders, "diam_iron")
	if len(got) != 2 {
		t.Fatalf("resting diam_iron orders = %d, want 2", len(got))
	}
}

func TestLockedFunds(t *testing.T) {
	orders := []gateway.Order{
		{Side: "buy", Price: 2.0, Quantity: 5.0},  // locks 10.0 quote
		{Side: "sell", Price: 3.0, Quantity: 4.0}, // locks 4.0 base
		{Side: "buy", Price: 1.0, Quantity: 2.0},  // locks 2.0 quote
	}
	base, quote := LockedFunds(orders)
	if base != 4.0 {
		t.Errorf("locked base = %v, want 4.0", base)
	}
	if quote != 12.0 {
		t.Errorf("locked quote = %v, want 12.0", quote)
	}
}
