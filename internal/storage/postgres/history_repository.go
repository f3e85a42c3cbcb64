package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type historyRepository struct {
	q queryer
}

// Append добавляет запись в журнал. Записи не обновляются и не удаляются.
func (r *historyRepository) Append(ctx context.Context, entry domain.StatusHistoryEntry) (domain.StatusHistoryEntry, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var from sql.NullString
	if entry.FromStatus != nil {
		from = sql.NullString{String: string(*entry.FromStatus), Valid: true}
	}

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO order_status_history (
			id, order_id, from_status, to_status, actor_id, actor_name, note, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		entry.ID, entry.OrderID, from, string(entry.ToStatus),
		nullString(entry.ActorID), entry.ActorName, entry.Note, entry.CreatedAt,
	); err != nil {
		return domain.StatusHistoryEntry{}, fmt.Errorf("append status history: %w", err)
	}

	return entry, nil
}

// List возвращает записи заказа в порядке добавления.
func (r *historyRepository) List(ctx context.Context, orderID string) ([]domain.StatusHistoryEntry, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, actor_id, actor_name, note, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY seq ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StatusHistoryEntry, 0)
	for rows.Next() {
		var (
			entry   domain.StatusHistoryEntry
			from    sql.NullString
			to      string
			actorID sql.NullString
		)
		if err := rows.Scan(
			&entry.ID, &entry.OrderID, &from, &to, &actorID, &entry.ActorName, &entry.Note, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		if from.Valid {
			status := domain.OrderStatus(from.String)
			entry.FromStatus = &status
		}
		entry.ToStatus = domain.OrderStatus(to)
		entry.ActorID = actorID.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status history: %w", err)
	}

	return result, nil
}

var _ domain.StatusHistoryRepository = (*historyRepository)(nil)
