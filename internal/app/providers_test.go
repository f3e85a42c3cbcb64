package app

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/provider/fake"
	"github.com/vladislavdragonenkov/storefront/internal/provider/paypal"
	"github.com/vladislavdragonenkov/storefront/internal/provider/stripe"
)

func providerSet(adapters []domain.PaymentProviderAdapter) map[domain.PaymentProvider]domain.PaymentProviderAdapter {
	out := make(map[domain.PaymentProvider]domain.PaymentProviderAdapter, len(adapters))
	for _, a := range adapters {
		out[a.Provider()] = a
	}
	return out
}

func TestBuildProviders_NoneConfigured(t *testing.T) {
	adapters, err := buildProviders(DefaultConfig(), log.WithField("test", "providers"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(adapters) != 0 {
		t.Fatalf("expected no adapters, got %d", len(adapters))
	}
}

func TestBuildProviders_FakeFillsGaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FakeProviders = true
	cfg.StripeAPIKey = "sk_test_123"
	cfg.StripeWebhookSecret = "whsec_123"

	adapters, err := buildProviders(cfg, log.WithField("test", "providers"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	set := providerSet(adapters)
	if len(set) != 2 {
		t.Fatalf("expected two providers, got %d", len(set))
	}
	if _, ok := set[domain.PaymentProviderStripe].(*stripe.Adapter); !ok {
		t.Fatalf("configured stripe must win over fake, got %T", set[domain.PaymentProviderStripe])
	}
	if _, ok := set[domain.PaymentProviderPayPal].(*fake.Gateway); !ok {
		t.Fatalf("expected fake paypal, got %T", set[domain.PaymentProviderPayPal])
	}
}

func TestBuildProviders_PayPal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PayPalClientID = "client"
	cfg.PayPalClientSecret = "secret"
	cfg.PayPalWebhookID = "WH-1"

	adapters, err := buildProviders(cfg, log.WithField("test", "providers"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := providerSet(adapters)[domain.PaymentProviderPayPal].(*paypal.Adapter); !ok {
		t.Fatalf("expected paypal adapter, got %v", adapters)
	}
}

func TestBuildProviders_InvalidStripeConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StripeAPIKey = "sk_test_123"

	if _, err := buildProviders(cfg, log.WithField("test", "providers")); err == nil {
		t.Fatal("expected error for stripe without webhook secret")
	}
}
