package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const paymentColumns = `
	id, order_id, payer_id, provider, provider_reference, transaction_id, client_reference,
	amount_minor, currency, status, metadata, failure_reason, completed_at, created_at, updated_at`

type paymentRepository struct {
	q queryer
}

func (r *paymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	metadata, err := encodeMetadata(payment.Metadata)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12,$13,$14,$15)
	`,
		payment.ID, payment.OrderID, nullString(payment.PayerID), string(payment.Provider), payment.ProviderReference,
		nullString(payment.TransactionID), nullString(payment.ClientReference),
		payment.AmountMinor, payment.Currency, string(payment.Status), metadata,
		nullString(payment.FailureReason), nullTime(payment.CompletedAt), payment.CreatedAt, payment.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentAlreadyExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *paymentRepository) GetByProviderReference(ctx context.Context, provider domain.PaymentProvider, reference string) (domain.Payment, error) {
	return r.getOne(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE provider = $1 AND provider_reference = $2
	`, string(provider), reference)
}

func (r *paymentRepository) getOne(ctx context.Context, query string, args ...any) (domain.Payment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return payment, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return r.list(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
}

func (r *paymentRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, olderThan, limit)
}

func (r *paymentRepository) list(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return result, nil
}

// Save обновляет изменяемые поля платежа. Провайдер и его ссылка не меняются.
func (r *paymentRepository) Save(ctx context.Context, payment domain.Payment) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	metadata, err := encodeMetadata(payment.Metadata)
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET payer_id = $2,
		    transaction_id = $3,
		    client_reference = $4,
		    status = $5,
		    metadata = $6::jsonb,
		    failure_reason = $7,
		    completed_at = $8,
		    updated_at = $9
		WHERE id = $1
	`,
		payment.ID, nullString(payment.PayerID), nullString(payment.TransactionID), nullString(payment.ClientReference),
		string(payment.Status), metadata, nullString(payment.FailureReason), nullTime(payment.CompletedAt), payment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for payment: %w", err)
	}
	if affected == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func encodeMetadata(m domain.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMetadataInvalid, err)
	}
	return string(raw), nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		payment         domain.Payment
		payerID         sql.NullString
		provider        string
		transactionID   sql.NullString
		clientReference sql.NullString
		status          string
		metadata        []byte
		failureReason   sql.NullString
		completedAt     sql.NullTime
	)
	if err := row.Scan(
		&payment.ID, &payment.OrderID, &payerID, &provider, &payment.ProviderReference,
		&transactionID, &clientReference, &payment.AmountMinor, &payment.Currency, &status,
		&metadata, &failureReason, &completedAt, &payment.CreatedAt, &payment.UpdatedAt,
	); err != nil {
		return domain.Payment{}, err
	}

	payment.PayerID = payerID.String
	payment.Provider = domain.PaymentProvider(provider)
	payment.TransactionID = transactionID.String
	payment.ClientReference = clientReference.String
	payment.Status = domain.PaymentStatus(status)
	payment.FailureReason = failureReason.String
	payment.CompletedAt = timePtr(completedAt)
	payment.CreatedAt = payment.CreatedAt.UTC()
	payment.UpdatedAt = payment.UpdatedAt.UTC()

	payment.Metadata = domain.Metadata{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &payment.Metadata); err != nil {
			return domain.Payment{}, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return payment, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
