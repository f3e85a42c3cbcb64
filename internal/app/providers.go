package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/provider/fake"
	"github.com/vladislavdragonenkov/storefront/internal/provider/paypal"
	"github.com/vladislavdragonenkov/storefront/internal/provider/stripe"
)

// buildProviders собирает адаптеры провайдеров по конфигурации.
// Провайдер без учётных данных не подключается; FakeProviders заменяет
// отсутствующие провайдеры in-memory шлюзом.
func buildProviders(cfg Config, logger *log.Entry) ([]domain.PaymentProviderAdapter, error) {
	var adapters []domain.PaymentProviderAdapter

	if cfg.StripeAPIKey != "" {
		adapter, err := stripe.New(stripe.Config{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			BaseURL:       cfg.StripeBaseURL,
			Logger:        logger.WithField("provider", "stripe"),
		})
		if err != nil {
			return nil, fmt.Errorf("configure stripe: %w", err)
		}
		adapters = append(adapters, adapter)
	} else if cfg.FakeProviders {
		adapters = append(adapters, fake.New(domain.PaymentProviderStripe, cfg.FakeWebhookSecret))
	}

	if cfg.PayPalClientID != "" {
		adapter, err := paypal.New(paypal.Config{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			WebhookID:    cfg.PayPalWebhookID,
			BaseURL:      cfg.PayPalBaseURL,
			ReturnURL:    cfg.PayPalReturnURL,
			CancelURL:    cfg.PayPalCancelURL,
		})
		if err != nil {
			return nil, fmt.Errorf("configure paypal: %w", err)
		}
		adapters = append(adapters, adapter)
	} else if cfg.FakeProviders {
		adapters = append(adapters, fake.New(domain.PaymentProviderPayPal, cfg.FakeWebhookSecret))
	}

	providers := make([]string, 0, len(adapters))
	for _, a := range adapters {
		providers = append(providers, string(a.Provider()))
	}
	if len(adapters) == 0 {
		logger.Warn("no payment providers configured, payments are disabled")
	} else {
		logger.WithFields(log.Fields{"providers": providers, "fake": cfg.FakeProviders}).Info("payment providers configured")
	}
	return adapters, nil
}
