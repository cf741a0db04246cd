package domain

import (
	"errors"
	"testing"
)

func TestOrderStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		ok       bool
	}{
		{OrderStatusPending, OrderStatusConfirmed, true},
		{OrderStatusPending, OrderStatusShipped, true},
		{OrderStatusConfirmed, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusConfirmed, OrderStatusCancelled, true},
		{OrderStatusShipped, OrderStatusCancelled, false},
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusDelivered, OrderStatusShipped, false},
		{OrderStatusShipped, OrderStatusPending, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
	if !OrderStatusCancelled.IsTerminal() || !OrderStatusDelivered.IsTerminal() || OrderStatusShipped.IsTerminal() {
		t.Fatalf("terminal states mismatch")
	}
	if OrderStatus("LOST").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}

func TestStockError_NamesProduct(t *testing.T) {
	err := InsufficientStock("A", 3)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock")
	}
	var se *StockError
	if !errors.As(err, &se) || se.Product != "A" || se.Available != 3 {
		t.Fatalf("unexpected stock error %+v", se)
	}
	if err.Error() != `insufficient stock for product "A" (available: 3)` {
		t.Fatalf("message: %s", err.Error())
	}
	if !errors.Is(NewValidationError("shipping_name", "is required"), ErrValidation) {
		t.Fatalf("validation error must wrap ErrValidation")
	}
}

func TestCode(t *testing.T) {
	cases := map[error]string{
		nil:                            "ok",
		ErrInvalidQuantity:             "invalid_quantity",
		NewValidationError("f", "bad"): "validation_error",
		InsufficientStock("A", 1):      "insufficient_stock",
		OutOfStock("A", 0):             "out_of_stock",
		ProductUnavailable("A"):        "product_unavailable",
		ErrTerminalState:               "terminal_state",
		ErrInfrastructure:              "infrastructure_error",
		errors.New("socket closed"):    "internal",
	}
	for err, want := range cases {
		if got := Code(err); got != want {
			t.Fatalf("Code(%v) = %s, want %s", err, got, want)
		}
	}
}
