package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type loadMode string

const (
	modeCheckout          loadMode = "checkout"
	modeCheckoutPay       loadMode = "checkout-pay"
	modeCheckoutPayCancel loadMode = "checkout-pay-cancel"
)

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	switch mode {
	case modeCheckout, modeCheckoutPay, modeCheckoutPayCancel:
		return mode, nil
	}
	return "", fmt.Errorf("unsupported mode: %s", value)
}

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	// cancelRate: доля отмен в процентах для checkout-pay.
	cancelRate    int
	currency      string
	sku           string
	amountMinor   int64
	customerTag   string
	provider      domain.PaymentProvider
	webhookSecret string
	actorID       string
	outputPath    string
	// maxErrorRate — допустимая доля проваленных сценариев, 0 требует чистого прогона.
	maxErrorRate float64
}

func parseConfig(args []string) (config, error) {
	var (
		cfg                    config
		modeFlag, providerFlag string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "storefront HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration acts as an upper bound")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for a fixed time instead of a fixed count (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "scenarios in flight")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeFlag, "mode", string(modeCheckout), "checkout | checkout-pay | checkout-pay-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of checkout-pay scenarios cancelled after payment (0..100)")
	fs.StringVar(&cfg.currency, "currency", "USD", "order currency")
	fs.StringVar(&cfg.sku, "sku", "SKU-LOAD", "order item SKU")
	fs.Int64Var(&cfg.amountMinor, "amount-minor", defaultAmount, "item price in minor units")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	fs.StringVar(&providerFlag, "provider", "stripe", "payment provider served by the fake gateway")
	fs.StringVar(&cfg.webhookSecret, "webhook-secret", "whsec_dev", "fake gateway webhook secret (STOREFRONT_FAKE_WEBHOOK_SECRET)")
	fs.StringVar(&cfg.actorID, "actor", "loadtest", "admin actor id for cancellations")
	fs.StringVar(&cfg.outputPath, "output", "", "write the JSON report to this file")
	fs.Float64Var(&cfg.maxErrorRate, "max-error-rate", 0, "fail the run when the scenario error rate exceeds this fraction (0..1)")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		cfg.totalSet = cfg.totalSet || f.Name == "total"
	})

	mode, err := parseMode(modeFlag)
	if err != nil {
		return config{}, err
	}
	cfg.mode = mode
	if cfg.provider, err = domain.ParsePaymentProvider(providerFlag); err != nil {
		return config{}, err
	}
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.baseURL == "", "base-url is required")
	check(c.duration < 0, "duration must be >= 0")
	check(c.duration == 0 && c.total <= 0, "total must be > 0 when duration is not set")
	check(c.duration > 0 && c.totalSet && c.total <= 0, "total must be > 0 when explicitly set with duration")
	check(c.concurrency <= 0, "concurrency must be > 0")
	check(c.timeout <= 0, "timeout must be > 0")
	check(c.amountMinor <= 0, "amount-minor must be > 0")
	check(c.cancelRate < 0 || c.cancelRate > 100, "cancel-rate must be between 0 and 100")
	check(c.maxErrorRate < 0 || c.maxErrorRate > 1, "max-error-rate must be between 0 and 1")
	check(strings.TrimSpace(c.currency) == "", "currency is required")
	check(strings.TrimSpace(c.sku) == "", "sku is required")
	check(strings.TrimSpace(c.customerTag) == "", "customer-tag is required")
	check(c.mode != modeCheckout && c.webhookSecret == "", "webhook-secret is required for payment modes")
	return errors.Join(errs...)
}

// passed сообщает, укладывается ли прогон в допустимую долю ошибок.
func (c config) passed(r report) bool {
	if c.maxErrorRate == 0 {
		return r.FailedScenarios == 0
	}
	return r.ErrorRate <= c.maxErrorRate
}

// admits сообщает, запускать ли сценарий с номером i. В режиме duration
// ограничение есть только при явном -total.
func (c config) admits(i int) bool {
	if c.duration > 0 && !c.totalSet {
		return true
	}
	return i < c.total
}

// cancels сообщает, отменяет ли сценарий index оплаченный заказ.
// cancel-rate 10 отменяет сценарии 0..9 из каждой сотни.
func (c config) cancels(index int) bool {
	switch c.mode {
	case modeCheckoutPayCancel:
		return true
	case modeCheckoutPay:
		return index%100 < c.cancelRate
	}
	return false
}

func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	}
	return fmt.Sprintf("duration:%s", c.duration)
}
