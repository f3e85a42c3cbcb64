package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/money"
	"github.com/vladislavdragonenkov/storefront/internal/provider/fake"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
)

const (
	defaultAmount = int64(1000)
	defaultQty    = int32(1)
	scenarioKey   = "scenario"
)

// runner гоняет сценарии покупателя против живого API.
type runner struct {
	cfg     config
	client  *apiClient
	gateway *fake.Gateway
	stats   *collector
	runID   string
}

func newRunner(cfg config, httpClient *http.Client) *runner {
	stats := newCollector()
	return &runner{
		cfg: cfg,
		client: &apiClient{
			baseURL: cfg.baseURL,
			http:    httpClient,
			timeout: cfg.timeout,
			stats:   stats,
		},
		gateway: fake.New(cfg.provider, cfg.webhookSecret),
		stats:   stats,
		runID:   fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid()),
	}
}

// run запускает не более concurrency сценариев одновременно. В режиме
// duration новые сценарии перестают стартовать по истечении времени,
// начатые доводятся до конца.
func (r *runner) run(ctx context.Context) report {
	startedAt := time.Now()

	dispatch := ctx
	if r.cfg.duration > 0 {
		var cancel context.CancelFunc
		dispatch, cancel = context.WithTimeout(ctx, r.cfg.duration)
		defer cancel()
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.concurrency)
	for i := 0; r.cfg.admits(i) && dispatch.Err() == nil; i++ {
		g.Go(func() error {
			_ = r.scenario(ctx, i)
			return nil
		})
	}
	_ = g.Wait()

	return r.stats.report(startedAt, time.Since(startedAt))
}

// journey хранит состояние одного сценария между шагами.
type journey struct {
	index      int
	customerID string
	order      httpapi.OrderResponse
	payment    httpapi.PaymentResponse
}

type step func(ctx context.Context, j *journey) error

func (r *runner) steps(index int) []step {
	steps := []step{r.checkout}
	if r.cfg.mode == modeCheckout {
		return steps
	}
	steps = append(steps, r.createPayment, r.confirmPayment)
	if r.cfg.cancels(index) {
		steps = append(steps, r.cancel)
	}
	return steps
}

func (r *runner) scenario(ctx context.Context, index int) (err error) {
	started := time.Now()
	defer func() {
		code := "ok"
		if err != nil {
			code = "failed"
		}
		r.stats.record(scenarioKey, time.Since(started), code, err == nil)
	}()

	j := &journey{
		index:      index,
		customerID: fmt.Sprintf("%s-%s-%d", r.cfg.customerTag, r.runID, index),
	}
	for _, s := range r.steps(index) {
		if err := s(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) key(kind string, index int) http.Header {
	return http.Header{httpapi.HeaderIdempotencyKey: {fmt.Sprintf("lt-%s-%s-%d", kind, r.runID, index)}}
}

func (r *runner) checkout(ctx context.Context, j *journey) error {
	req, err := jsonRequest("Checkout", "/api/orders", httpapi.CheckoutRequest{
		CustomerID: j.customerID,
		Currency:   r.cfg.currency,
		Items: []httpapi.CheckoutItem{{
			ProductID: "load-product",
			Name:      "Load test item",
			SKU:       r.cfg.sku,
			Price:     money.ToDecimal(r.cfg.amountMinor, r.cfg.currency),
			Qty:       defaultQty,
		}},
	}, r.key("checkout", j.index), http.StatusCreated)
	if err != nil {
		return err
	}
	if err := r.client.send(ctx, req, &j.order); err != nil {
		return err
	}
	if j.order.ID == "" {
		return errors.New("checkout response returned empty order id")
	}
	return nil
}

func (r *runner) createPayment(ctx context.Context, j *journey) error {
	req, err := jsonRequest("CreatePayment", "/api/orders/"+j.order.ID+"/payments", httpapi.CreatePaymentRequest{
		Provider: string(r.cfg.provider),
		PayerID:  j.customerID,
	}, r.key("pay", j.index), http.StatusCreated)
	if err != nil {
		return err
	}
	return r.client.send(ctx, req, &j.payment)
}

// confirmPayment присылает подписанный вебхук об успешной оплате,
// как это делает провайдер.
func (r *runner) confirmPayment(ctx context.Context, j *journey) error {
	body, header := r.gateway.Webhook(fake.Webhook{
		ID:            fmt.Sprintf("lt-evt-%s-%d", r.runID, j.index),
		Type:          fake.EventSucceeded,
		Reference:     j.payment.ProviderReference,
		TransactionID: fmt.Sprintf("lt-txn-%d", j.index),
	})
	return r.client.send(ctx, request{
		name:   "Webhook",
		method: http.MethodPost,
		path:   "/webhooks/" + string(r.cfg.provider),
		body:   body,
		header: header,
		want:   http.StatusOK,
	}, nil)
}

func (r *runner) cancel(ctx context.Context, j *journey) error {
	req, err := jsonRequest("Cancel", "/api/admin/orders/"+j.order.ID+"/status", httpapi.TransitionRequest{
		Status: string(domain.OrderStatusCancelled),
		Note:   "load-cancel",
	}, http.Header{httpapi.HeaderActorID: {r.cfg.actorID}}, http.StatusOK)
	if err != nil {
		return err
	}
	return r.client.send(ctx, req, nil)
}
