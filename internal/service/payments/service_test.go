package payments

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/provider/fake"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *memory.Store
	orders   *orders.Service
	payments *Service
	gateway  *fake.Gateway
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	lifecycle := metrics.NewLifecycle(prometheus.NewRegistry())
	store := memory.NewStore()
	ordersSvc := orders.NewService(store,
		orders.WithClock(clock.Now),
		orders.WithMetrics(lifecycle),
		orders.WithConflictRetry(3, 0),
	)
	gateway := fake.New(domain.PaymentProviderStripe, "whsec_test")
	svc := NewService(store, ordersSvc, []domain.PaymentProviderAdapter{gateway},
		WithClock(clock.Now),
		WithMetrics(lifecycle),
		WithRetryConfig(RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}),
	)
	return &fixture{store: store, orders: ordersSvc, payments: svc, gateway: gateway, clock: clock}
}

func (f *fixture) checkout(t *testing.T) domain.Order {
	t.Helper()
	order, err := f.orders.Checkout(context.Background(), orders.CheckoutRequest{
		CustomerID: "customer-1",
		Currency:   "USD",
		Items: []domain.NewOrderItem{
			{ProductID: "p-1", Name: "Mug", PriceMinor: 250, Qty: 2},
		},
		ShippingMinor: 100,
		Actor:         domain.Actor{ID: "customer-1", Name: "Alice"},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) createPayment(t *testing.T, orderID string) domain.Payment {
	t.Helper()
	payment, err := f.payments.CreatePayment(context.Background(), CreatePaymentRequest{
		OrderID:  orderID,
		Provider: domain.PaymentProviderStripe,
		PayerID:  "customer-1",
		Metadata: map[string]any{"cart": "c-1"},
	})
	require.NoError(t, err)
	return payment
}

func unavailable(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, msg)
}

func TestService_CreatePayment(t *testing.T) {
	f := newFixture(t)
	order := f.checkout(t)

	payment := f.createPayment(t, order.ID)
	require.Equal(t, domain.PaymentStatusPending, payment.Status)
	require.Equal(t, order.ID, payment.OrderID)
	require.EqualValues(t, 600, payment.AmountMinor)
	require.Equal(t, "USD", payment.Currency)
	require.NotEmpty(t, payment.ProviderReference)
	require.Equal(t, payment.ProviderReference+"_secret", payment.ClientReference)
	require.Equal(t, "c-1", payment.Metadata["cart"])

	stored, err := f.payments.Get(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Equal(t, payment.ProviderReference, stored.ProviderReference)

	list, err := f.payments.ListByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.Equal(t, []domain.PaymentProvider{domain.PaymentProviderStripe}, f.payments.Providers())
}

func TestService_CreatePaymentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t)

	_, err := f.payments.CreatePayment(ctx, CreatePaymentRequest{OrderID: order.ID, Provider: domain.PaymentProviderPayPal})
	require.ErrorIs(t, err, domain.ErrUnknownPaymentProvider)

	_, err = f.payments.CreatePayment(ctx, CreatePaymentRequest{OrderID: "missing", Provider: domain.PaymentProviderStripe})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = f.payments.CreatePayment(ctx, CreatePaymentRequest{
		OrderID:  order.ID,
		Provider: domain.PaymentProviderStripe,
		Metadata: map[string]any{"bad": func() {}},
	})
	require.ErrorIs(t, err, domain.ErrMetadataInvalid)

	_, err = f.payments.ListByOrder(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	payment := f.createPayment(t, order.ID)
	f.gateway.SetOutcome(payment.ProviderReference, domain.OutcomeSucceeded, "txn-1", "")
	_, err = f.payments.Confirm(ctx, payment.ID)
	require.NoError(t, err)

	create, _ := f.gateway.Calls()
	_, err = f.payments.CreatePayment(ctx, CreatePaymentRequest{OrderID: order.ID, Provider: domain.PaymentProviderStripe})
	require.ErrorIs(t, err, domain.ErrPaymentNotAcceptable)
	after, _ := f.gateway.Calls()
	require.Equal(t, create, after, "provider must not be called for a paid order")
}

func TestService_ConfirmSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t)
	payment := f.createPayment(t, order.ID)

	pending, err := f.payments.Confirm(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, pending.Status)

	f.gateway.SetOutcome(payment.ProviderReference, domain.OutcomeSucceeded, "txn-42", "")
	completed, err := f.payments.Confirm(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, completed.Status)
	require.Equal(t, "txn-42", completed.TransactionID)
	require.NotNil(t, completed.CompletedAt)

	paid, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, paid.Status)
	require.Equal(t, domain.PaymentStatusCompleted, paid.PaymentStatus)
	require.Equal(t, "txn-42", paid.TransactionID)

	history, err := f.orders.History(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, domain.OrderStatusPaid, history[1].ToStatus)

	_, confirmCalls := f.gateway.Calls()
	again, err := f.payments.Confirm(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, again.Status)
	_, after := f.gateway.Calls()
	require.Equal(t, confirmCalls, after, "final payment must not be confirmed with the provider again")
}

func TestService_ConfirmFailedAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t)
	first := f.createPayment(t, order.ID)

	f.gateway.SetOutcome(first.ProviderReference, domain.OutcomeFailed, "", "card_declined")
	failed, err := f.payments.Confirm(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusFailed, failed.Status)
	require.Equal(t, "card_declined", failed.FailureReason)

	current, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, current.Status)
	require.Equal(t, domain.PaymentStatusFailed, current.PaymentStatus)

	second := f.createPayment(t, order.ID)
	require.NotEqual(t, first.ProviderReference, second.ProviderReference)

	f.gateway.SetOutcome(second.ProviderReference, domain.OutcomeSucceeded, "txn-2", "")
	_, err = f.payments.Confirm(ctx, second.ID)
	require.NoError(t, err)

	current, err = f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, current.Status)
}

func TestService_ConfirmRejectsPartialCapture(t *testing.T) {
	tests := []struct {
		name     string
		captured int64
		currency string
		want     domain.PaymentStatus
		reason   string
	}{
		{name: "short amount", captured: 599, currency: "USD", want: domain.PaymentStatusFailed, reason: "amount_mismatch: captured 599 of 600"},
		{name: "other currency", captured: 600, currency: "EUR", want: domain.PaymentStatusFailed, reason: "amount_mismatch: captured in EUR, expected USD"},
		{name: "full amount", captured: 600, currency: "usd", want: domain.PaymentStatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			order := f.checkout(t)
			payment := f.createPayment(t, order.ID)

			f.gateway.SetOutcome(payment.ProviderReference, domain.OutcomeSucceeded, "txn-1", "")
			f.gateway.SetCaptured(payment.ProviderReference, tt.captured, tt.currency)

			got, err := f.payments.Confirm(ctx, payment.ID)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Status)
			require.Equal(t, tt.reason, got.FailureReason)

			current, err := f.orders.Get(ctx, order.ID)
			require.NoError(t, err)
			if tt.want == domain.PaymentStatusFailed {
				require.Equal(t, domain.OrderStatusPending, current.Status)
				require.Equal(t, domain.PaymentStatusFailed, current.PaymentStatus)
				require.Empty(t, current.TransactionID)
			} else {
				require.Equal(t, domain.OrderStatusPaid, current.Status)
			}
		})
	}
}

func TestService_HandleWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t)
	payment := f.createPayment(t, order.ID)

	body, header := f.gateway.Webhook(fake.Webhook{
		ID:            "evt-1",
		Type:          fake.EventSucceeded,
		Reference:     payment.ProviderReference,
		TransactionID: "txn-hook",
	})

	result, err := f.payments.HandleWebhook(ctx, domain.PaymentProviderStripe, header, body)
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.False(t, result.Ignored)
	require.NotNil(t, result.Payment)
	require.Equal(t, domain.PaymentStatusCompleted, result.Payment.Status)

	paid, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, paid.Status)
	version := paid.Version

	result, err = f.payments.HandleWebhook(ctx, domain.PaymentProviderStripe, header, body)
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Nil(t, result.Payment)

	unchanged, err := f.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, version, unchanged.Version)

	record, err := f.store.Repositories().Idempotency.Get(ctx, webhookKey(domain.PaymentProviderStripe, "evt-1"))
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, record.Status)
}

func TestService_HandleWebhookRejectsAndIgnores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t)
	payment := f.createPayment(t, order.ID)

	body, header := f.gateway.Webhook(fake.Webhook{ID: "evt-1", Type: fake.EventSucceeded, Reference: payment.ProviderReference})
	forged := header.Clone()
	forged.Set(fake.SignatureHeader, "00")
	_, err := f.payments.HandleWebhook(ctx, domain.PaymentProviderStripe, forged, body)
	require.ErrorIs(t, err, domain.ErrWebhookSignatureInvalid)

	_, err = f.payments.HandleWebhook(ctx, domain.PaymentProviderPayPal, header, body)
	require.ErrorIs(t, err, domain.ErrUnknownPaymentProvider)

	ignoredBody, ignoredHeader := f.gateway.Webhook(fake.Webhook{ID: "evt-2", Type: "payment.created", Reference: payment.ProviderReference})
	result, err := f.payments.HandleWebhook(ctx, domain.PaymentProviderStripe, ignoredHeader, ignoredBody)
	require.NoError(t, err)
	require.True(t, result.Ignored)

	stored, err := f.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, stored.Status)
}

func TestService_HandleWebhookUnknownPaymentCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body, header := f.gateway.Webhook(fake.Webhook{ID: "evt-9", Type: fake.EventSucceeded, Reference: "unknown"})
	for i := 0; i < 2; i++ {
		result, err := f.payments.HandleWebhook(ctx, domain.PaymentProviderStripe, header, body)
		require.ErrorIs(t, err, domain.ErrPaymentNotFound)
		require.False(t, result.Duplicate)
	}

	_, err := f.store.Repositories().Idempotency.Get(ctx, webhookKey(domain.PaymentProviderStripe, "evt-9"))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestService_ProviderRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.checkout(t)

	f.gateway.FailCreate(unavailable("timeout"))
	payment := f.createPayment(t, order.ID)
	require.NotEmpty(t, payment.ID)
	create, _ := f.gateway.Calls()
	require.Equal(t, 2, create)

	f.gateway.FailCreate(fmt.Errorf("%w: amount too small", domain.ErrProviderRejected))
	_, err := f.payments.CreatePayment(ctx, CreatePaymentRequest{OrderID: order.ID, Provider: domain.PaymentProviderStripe})
	require.ErrorIs(t, err, domain.ErrProviderRejected)
	after, _ := f.gateway.Calls()
	require.Equal(t, 3, after, "rejected requests are not retried")

	f.gateway.FailCreate(unavailable("1"), unavailable("2"), unavailable("3"))
	_, err = f.payments.CreatePayment(ctx, CreatePaymentRequest{OrderID: order.ID, Provider: domain.PaymentProviderStripe})
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)

	list, err := f.payments.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, list, 1, "failed provider calls must not leave payment rows")
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute, nil)
	cb.now = func() time.Time { return now }

	calls := 0
	failing := func() error {
		calls++
		return unavailable("down")
	}

	require.ErrorIs(t, cb.Execute("op", func() error { return domain.ErrProviderRejected }), domain.ErrProviderRejected)
	require.Equal(t, CircuitClosed, cb.State(), "rejections do not open the circuit")

	require.Error(t, cb.Execute("op", failing))
	require.Equal(t, CircuitClosed, cb.State())
	require.Error(t, cb.Execute("op", failing))
	require.Equal(t, CircuitOpen, cb.State())
	require.Equal(t, "open", cb.State().String())

	err := cb.Execute("op", failing)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.Equal(t, 2, calls, "open circuit must not call the provider")

	now = now.Add(2 * time.Minute)
	require.Error(t, cb.Execute("op", failing))
	require.Equal(t, CircuitOpen, cb.State(), "failed probe reopens the circuit")

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute("op", func() error { return nil }))
	require.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(1, time.Minute, nil)
	cb.now = clock.Now

	require.Error(t, cb.Execute("op", func() error { return unavailable("down") }))
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(2 * time.Minute)

	entered := make(chan struct{})
	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- cb.Execute("op", func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	require.Equal(t, CircuitHalfOpen, cb.State())

	var (
		wg    sync.WaitGroup
		calls atomic.Int32
	)
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- cb.Execute("op", func() error {
				calls.Add(1)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.ErrorIs(t, err, ErrCircuitOpen)
	}
	require.Zero(t, calls.Load(), "only the trial call may reach the provider while half-open")

	close(release)
	require.NoError(t, <-trialDone)
	require.Equal(t, CircuitClosed, cb.State())
	require.NoError(t, cb.Execute("op", func() error { return nil }))
}

func TestRetry_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry(ctx, RetryConfig{MaxAttempts: 5, InitialDelay: time.Second}, newFixture(t).payments.logger, "op", func() error {
		calls++
		return unavailable("down")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestReconcileWorker_ReconcileStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	settledOrder := f.checkout(t)
	settled := f.createPayment(t, settledOrder.ID)
	waitingOrder := f.checkout(t)
	waiting := f.createPayment(t, waitingOrder.ID)

	worker := NewReconcileWorker(f.payments, WithReconcileAfter(10*time.Minute), WithReconcileBatch(10))
	require.Zero(t, worker.ReconcileStale(ctx), "fresh payments are not reconciled")

	f.clock.Advance(15 * time.Minute)
	f.gateway.SetOutcome(settled.ProviderReference, domain.OutcomeSucceeded, "txn-late", "")

	require.Equal(t, 1, worker.ReconcileStale(ctx))

	updated, err := f.payments.Get(ctx, settled.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusCompleted, updated.Status)

	still, err := f.payments.Get(ctx, waiting.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, still.Status)

	order, err := f.orders.Get(ctx, settledOrder.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, order.Status)
}

func TestWebhookKey(t *testing.T) {
	require.Equal(t, "webhook:paypal:WH-1", webhookKey(domain.PaymentProviderPayPal, "WH-1"))
}
