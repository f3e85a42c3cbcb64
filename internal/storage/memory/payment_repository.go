package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentRepository struct {
	run access
}

func paymentRefKey(provider domain.PaymentProvider, reference string) string {
	return string(provider) + ":" + reference
}

// Create сохраняет платёж, проверяя уникальность пары (provider, provider_reference).
func (r *paymentRepository) Create(_ context.Context, payment domain.Payment) error {
	return r.run(func(st *state) error {
		if _, exists := st.payments[payment.ID]; exists {
			return domain.ErrPaymentAlreadyExists
		}
		refKey := paymentRefKey(payment.Provider, payment.ProviderReference)
		if _, exists := st.paymentRefs[refKey]; exists {
			return domain.ErrPaymentAlreadyExists
		}
		if _, ok := st.orders[payment.OrderID]; !ok {
			return domain.ErrOrderNotFound
		}
		st.payments[payment.ID] = clonePayment(payment)
		st.paymentRefs[refKey] = payment.ID
		return nil
	})
}

func (r *paymentRepository) Get(_ context.Context, id string) (domain.Payment, error) {
	var out domain.Payment
	err := r.run(func(st *state) error {
		payment, ok := st.payments[id]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		out = clonePayment(payment)
		return nil
	})
	return out, err
}

func (r *paymentRepository) GetByProviderReference(ctx context.Context, provider domain.PaymentProvider, reference string) (domain.Payment, error) {
	var id string
	err := r.run(func(st *state) error {
		found, ok := st.paymentRefs[paymentRefKey(provider, reference)]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		id = found
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return r.Get(ctx, id)
}

// ListByOrder возвращает попытки оплаты заказа, старые первыми.
func (r *paymentRepository) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	result := make([]domain.Payment, 0)
	err := r.run(func(st *state) error {
		for _, payment := range st.payments {
			if payment.OrderID == orderID {
				result = append(result, clonePayment(payment))
			}
		}
		return nil
	})
	sortPayments(result)
	return result, err
}

func (r *paymentRepository) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	result := make([]domain.Payment, 0)
	err := r.run(func(st *state) error {
		for _, payment := range st.payments {
			if payment.Status == domain.PaymentStatusPending && payment.CreatedAt.Before(olderThan) {
				result = append(result, clonePayment(payment))
			}
		}
		return nil
	})
	sortPayments(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, err
}

func (r *paymentRepository) Save(_ context.Context, payment domain.Payment) error {
	return r.run(func(st *state) error {
		current, ok := st.payments[payment.ID]
		if !ok {
			return domain.ErrPaymentNotFound
		}
		// Ссылка провайдера входит в уникальный ключ и не меняется.
		payment.Provider = current.Provider
		payment.ProviderReference = current.ProviderReference
		st.payments[payment.ID] = clonePayment(payment)
		return nil
	})
}

func sortPayments(payments []domain.Payment) {
	sort.Slice(payments, func(i, j int) bool {
		if !payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].CreatedAt.Before(payments[j].CreatedAt)
		}
		return payments[i].ID < payments[j].ID
	})
}

func clonePayment(src domain.Payment) domain.Payment {
	dst := src
	dst.Metadata = src.Metadata.Clone()
	if src.CompletedAt != nil {
		completedAt := *src.CompletedAt
		dst.CompletedAt = &completedAt
	}
	return dst
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
