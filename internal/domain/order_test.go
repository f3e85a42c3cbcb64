package domain_test

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// helper для создания базового заказа с одной позицией.
func makeOrder(t *testing.T) domain.Order {
	t.Helper()
	order, err := domain.NewOrder(domain.NewOrderParams{
		CustomerID: "customer-1",
		Currency:   "usd",
		Items: []domain.NewOrderItem{
			{ProductID: "product-1", Name: "Mug", SKU: "sku-1", PriceMinor: 100, Qty: 5},
		},
		TaxMinor:      40,
		ShippingMinor: 60,
	}, testNow)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return order
}

func TestNewOrder_ComputesTotals(t *testing.T) {
	order := makeOrder(t)

	if order.Status != domain.OrderStatusPending {
		t.Fatalf("status = %s, want pending", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("payment status = %s, want pending", order.PaymentStatus)
	}
	if order.Currency != "USD" {
		t.Fatalf("currency = %q, want USD", order.Currency)
	}
	if order.SubtotalMinor != 500 || order.TotalMinor != 600 {
		t.Fatalf("subtotal=%d total=%d, want 500/600", order.SubtotalMinor, order.TotalMinor)
	}
	if order.Items[0].SubtotalMinor != 500 {
		t.Fatalf("item subtotal = %d, want 500", order.Items[0].SubtotalMinor)
	}
	if !domain.ValidOrderNumber(order.Number) || !strings.HasPrefix(order.Number, "ORD-2026-") {
		t.Fatalf("unexpected order number %q", order.Number)
	}
}

func TestNewOrder_RejectsInvalidInput(t *testing.T) {
	_, err := domain.NewOrder(domain.NewOrderParams{Currency: "USD"}, testNow)
	if !errors.Is(err, domain.ErrCustomerRequired) || !errors.Is(err, domain.ErrItemsRequired) {
		t.Fatalf("expected joined validation errors, got %v", err)
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder(t)
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{name: "no customer", mut: func(o *domain.Order) { o.CustomerID = "" }, want: domain.ErrCustomerRequired},
		{name: "negative tax", mut: func(o *domain.Order) { o.TaxMinor = -1 }, want: domain.ErrAmountNegative},
		{name: "no items", mut: func(o *domain.Order) { o.Items = nil }, want: domain.ErrItemsRequired},
		{name: "qty invalid", mut: func(o *domain.Order) { o.Items[0].Qty = 0 }, want: domain.ErrItemQtyInvalid},
		{name: "price invalid", mut: func(o *domain.Order) { o.Items[0].PriceMinor = -5 }, want: domain.ErrItemPriceInvalid},
		{name: "subtotal mismatch", mut: func(o *domain.Order) { o.SubtotalMinor = 999 }, want: domain.ErrAmountMismatch},
		{name: "total mismatch", mut: func(o *domain.Order) { o.TotalMinor = 1 }, want: domain.ErrTotalMismatch},
		{name: "bad number", mut: func(o *domain.Order) { o.Number = "ORD-1" }, want: domain.ErrOrderNumberInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder(t)
			tc.mut(&order)

			errs := order.ValidateInvariants()
			if !errors.Is(errors.Join(errs...), tc.want) {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestOrderRecalculateTotals(t *testing.T) {
	order := makeOrder(t)
	order.Items[0].Qty = 2
	order.ShippingMinor = 0

	if err := order.RecalculateTotals(); err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	if order.SubtotalMinor != 200 || order.TotalMinor != 240 {
		t.Fatalf("subtotal=%d total=%d, want 200/240", order.SubtotalMinor, order.TotalMinor)
	}
}

func TestNewOrder_RejectsAmountOverflow(t *testing.T) {
	cases := []struct {
		name   string
		params domain.NewOrderParams
	}{
		{
			name: "line total",
			params: domain.NewOrderParams{Items: []domain.NewOrderItem{
				{ProductID: "p", Name: "n", PriceMinor: 1 << 62, Qty: 4},
			}, TaxMinor: 800, ShippingMinor: 500},
		},
		{
			name: "subtotal",
			params: domain.NewOrderParams{Items: []domain.NewOrderItem{
				{ProductID: "p1", Name: "n", PriceMinor: math.MaxInt64 - 10, Qty: 1},
				{ProductID: "p2", Name: "n", PriceMinor: 20, Qty: 1},
			}},
		},
		{
			name: "total",
			params: domain.NewOrderParams{Items: []domain.NewOrderItem{
				{ProductID: "p", Name: "n", PriceMinor: math.MaxInt64 - 100, Qty: 1},
			}, TaxMinor: 60, ShippingMinor: 60},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.params.CustomerID = "customer-1"
			tc.params.Currency = "USD"
			order, err := domain.NewOrder(tc.params, testNow)
			if !errors.Is(err, domain.ErrAmountOverflow) {
				t.Fatalf("expected ErrAmountOverflow, got %v (order %+v)", err, order)
			}
		})
	}
}

func TestOrderRecalculateTotals_OverflowKeepsOrder(t *testing.T) {
	order := makeOrder(t)
	order.Items[0].PriceMinor = math.MaxInt64 / 2
	order.Items[0].Qty = 3

	if err := order.RecalculateTotals(); !errors.Is(err, domain.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
	if order.SubtotalMinor != 500 || order.TotalMinor != 600 || order.Items[0].SubtotalMinor != 500 {
		t.Fatalf("totals changed on overflow: subtotal=%d total=%d", order.SubtotalMinor, order.TotalMinor)
	}
}

func TestOrderValidateInvariants_Overflow(t *testing.T) {
	order := makeOrder(t)
	order.Items[0].PriceMinor = 1 << 62
	order.Items[0].Qty = 4
	order.SubtotalMinor = 0
	order.TotalMinor = 100

	errs := order.ValidateInvariants()
	joined := errors.Join(errs...)
	if !errors.Is(joined, domain.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow among %v", errs)
	}
	if errors.Is(joined, domain.ErrAmountMismatch) {
		t.Fatalf("wrapped subtotal must not be compared: %v", errs)
	}

	order = makeOrder(t)
	order.TaxMinor = math.MaxInt64
	if errs := order.ValidateInvariants(); !errors.Is(errors.Join(errs...), domain.ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow for total, got %v", errs)
	}
}

func TestOrderTransitionTo_Allowed(t *testing.T) {
	order := makeOrder(t)
	admin := domain.Actor{ID: "admin-1", Name: "Alice"}
	later := testNow.Add(time.Minute)

	change, err := order.TransitionTo(domain.OrderStatusCancelled, admin, "customer asked", later)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled || !order.UpdatedAt.Equal(later) {
		t.Fatalf("order not mutated: %+v", order)
	}
	if change == nil || change.Event == nil {
		t.Fatal("expected history entry and event")
	}

	h := change.History
	if h.FromStatus == nil || *h.FromStatus != domain.OrderStatusPending || h.ToStatus != domain.OrderStatusCancelled {
		t.Fatalf("unexpected history entry: %+v", h)
	}
	if h.ActorID != "admin-1" || h.ActorName != "Alice" || h.Note != "customer asked" {
		t.Fatalf("unexpected actor fields: %+v", h)
	}

	ev := change.Event
	if ev.PreviousStatus != domain.OrderStatusPending || ev.Status != domain.OrderStatusCancelled {
		t.Fatalf("unexpected event statuses: %+v", ev)
	}
	if ev.Order.Status != domain.OrderStatusCancelled || ev.Order.ID != order.ID {
		t.Fatalf("event snapshot is stale: %+v", ev.Order)
	}
}

func TestOrderTransitionTo_SameStatusIsNoop(t *testing.T) {
	order := makeOrder(t)
	before := order.UpdatedAt

	change, err := order.TransitionTo(domain.OrderStatusPending, domain.SystemActor(), "", testNow.Add(time.Hour))
	if err != nil || change != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", change, err)
	}
	if !order.UpdatedAt.Equal(before) {
		t.Fatal("no-op transition must not touch UpdatedAt")
	}
}

func TestOrderTransitionTo_Rejected(t *testing.T) {
	order := makeOrder(t)
	order.Status = domain.OrderStatusPaid

	change, err := order.TransitionTo(domain.OrderStatusShipped, domain.SystemActor(), "", testNow)
	if change != nil {
		t.Fatal("rejected transition must not produce a change")
	}
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var transitionErr *domain.InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
	if transitionErr.From != domain.OrderStatusPaid || transitionErr.To != domain.OrderStatusShipped {
		t.Fatalf("unexpected error fields: %+v", transitionErr)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatal("rejected transition mutated the order")
	}
}

func TestOrderTransitionTo_TerminalStatuses(t *testing.T) {
	for _, terminal := range []domain.OrderStatus{domain.OrderStatusDelivered, domain.OrderStatusCancelled} {
		for _, to := range domain.OrderStatuses() {
			if to == terminal {
				continue
			}
			order := makeOrder(t)
			order.Status = terminal
			if _, err := order.TransitionTo(to, domain.SystemActor(), "", testNow); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", terminal, to, err)
			}
		}
	}
}

func TestOrderTransitionTo_AllPairs(t *testing.T) {
	for _, from := range domain.OrderStatuses() {
		for _, to := range domain.OrderStatuses() {
			order := makeOrder(t)
			order.Status = from
			before := order

			change, err := order.TransitionTo(to, domain.SystemActor(), "", testNow.Add(time.Minute))
			switch {
			case from == to:
				if err != nil || change != nil {
					t.Fatalf("%s -> %s: expected no-op, got (%v, %v)", from, to, change, err)
				}
			case from.CanTransitionTo(to):
				if err != nil || change == nil || change.Event == nil {
					t.Fatalf("%s -> %s: expected change with event, got (%v, %v)", from, to, change, err)
				}
				if order.Status != to {
					t.Fatalf("%s -> %s: status = %s", from, to, order.Status)
				}
			default:
				if !errors.Is(err, domain.ErrInvalidTransition) || change != nil {
					t.Fatalf("%s -> %s: expected ErrInvalidTransition, got (%v, %v)", from, to, change, err)
				}
				if order.Status != before.Status || !order.UpdatedAt.Equal(before.UpdatedAt) || order.PaymentStatus != before.PaymentStatus {
					t.Fatalf("%s -> %s: rejected transition mutated the order", from, to)
				}
			}
		}
	}
}

func TestOrderTransitionTo_UnknownStatus(t *testing.T) {
	order := makeOrder(t)
	if _, err := order.TransitionTo("lost", domain.SystemActor(), "", testNow); !errors.Is(err, domain.ErrUnknownOrderStatus) {
		t.Fatalf("expected ErrUnknownOrderStatus, got %v", err)
	}
}

func TestOrderMarkAsPaid(t *testing.T) {
	cases := []struct {
		name       string
		from       domain.OrderStatus
		wantStatus domain.OrderStatus
		wantEvent  bool
	}{
		{name: "pending becomes paid", from: domain.OrderStatusPending, wantStatus: domain.OrderStatusPaid, wantEvent: true},
		{name: "cancelled becomes paid", from: domain.OrderStatusCancelled, wantStatus: domain.OrderStatusPaid, wantEvent: true},
		{name: "processing keeps status", from: domain.OrderStatusProcessing, wantStatus: domain.OrderStatusProcessing},
		{name: "delivered keeps status", from: domain.OrderStatusDelivered, wantStatus: domain.OrderStatusDelivered},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder(t)
			order.Status = tc.from

			change, err := order.MarkAsPaid("ch_1", domain.SystemActor(), testNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if change == nil {
				t.Fatal("expected history entry")
			}
			if order.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", order.Status, tc.wantStatus)
			}
			if order.PaymentStatus != domain.PaymentStatusCompleted || order.TransactionID != "ch_1" || order.PaidAt == nil {
				t.Fatalf("payment fields not set: %+v", order)
			}
			if (change.Event != nil) != tc.wantEvent {
				t.Fatalf("event presence = %v, want %v", change.Event != nil, tc.wantEvent)
			}
			if !strings.HasPrefix(change.History.Note, "payment confirmed") {
				t.Fatalf("unexpected note %q", change.History.Note)
			}
			if change.History.ActorName != domain.SystemActorName {
				t.Fatalf("actor name = %q, want system", change.History.ActorName)
			}
		})
	}
}

func TestOrderMarkAsPaid_Idempotent(t *testing.T) {
	order := makeOrder(t)
	if _, err := order.MarkAsPaid("ch_1", domain.SystemActor(), testNow); err != nil {
		t.Fatalf("first call: %v", err)
	}

	change, err := order.MarkAsPaid("ch_2", domain.SystemActor(), testNow.Add(time.Minute))
	if err != nil || change != nil {
		t.Fatalf("expected (nil, nil) on repeat, got (%v, %v)", change, err)
	}
	if order.TransactionID != "ch_1" {
		t.Fatalf("transaction id overwritten: %q", order.TransactionID)
	}
}

func TestOrderMarkAsPaid_UnknownStatusLeavesOrderUntouched(t *testing.T) {
	order := makeOrder(t)
	order.Status = "lost"
	before := order

	change, err := order.MarkAsPaid("ch_1", domain.SystemActor(), testNow.Add(time.Hour))
	if !errors.Is(err, domain.ErrUnknownOrderStatus) || change != nil {
		t.Fatalf("expected ErrUnknownOrderStatus, got (%v, %v)", change, err)
	}
	if order.PaymentStatus != before.PaymentStatus || order.TransactionID != "" || order.PaidAt != nil {
		t.Fatalf("payment fields mutated: %+v", order)
	}
	if !order.UpdatedAt.Equal(before.UpdatedAt) || order.Status != "lost" {
		t.Fatalf("order mutated: %+v", order)
	}
}

func TestOrderMarkAsFailed(t *testing.T) {
	order := makeOrder(t)

	change, err := order.MarkAsFailed("card_declined", domain.SystemActor(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("unexpected order state: %s/%s", order.Status, order.PaymentStatus)
	}
	if change == nil || change.Event != nil {
		t.Fatal("expected audit entry without event")
	}
	h := change.History
	if h.FromStatus == nil || *h.FromStatus != h.ToStatus || h.Note != "payment failed: card_declined" {
		t.Fatalf("unexpected audit entry: %+v", h)
	}
	if !order.CanAcceptPayment() {
		t.Fatal("failed payment must allow a retry")
	}
}

func TestOrderMarkAsFailed_DoesNotDowngradeCompleted(t *testing.T) {
	order := makeOrder(t)
	if _, err := order.MarkAsPaid("ch_1", domain.SystemActor(), testNow); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	change, err := order.MarkAsFailed("late failure", domain.SystemActor(), testNow)
	if err != nil || change != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", change, err)
	}
	if order.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("payment status downgraded to %s", order.PaymentStatus)
	}
}

func TestOrderCanAcceptPayment(t *testing.T) {
	cases := map[domain.PaymentStatus]bool{
		domain.PaymentStatusPending:   true,
		domain.PaymentStatusFailed:    true,
		domain.PaymentStatusCompleted: false,
		domain.PaymentStatusRefunded:  false,
	}
	for status, want := range cases {
		order := makeOrder(t)
		order.PaymentStatus = status
		if got := order.CanAcceptPayment(); got != want {
			t.Fatalf("CanAcceptPayment with %s = %v, want %v", status, got, want)
		}
	}
}

func TestOrderCreationEntry(t *testing.T) {
	order := makeOrder(t)
	entry := order.CreationEntry(domain.Actor{ID: "customer-1"}, "order placed")

	if !entry.IsCreation() || entry.ToStatus != domain.OrderStatusPending {
		t.Fatalf("unexpected creation entry: %+v", entry)
	}
	if entry.ActorName != "customer-1" {
		t.Fatalf("actor name = %q, want fallback to id", entry.ActorName)
	}
}
