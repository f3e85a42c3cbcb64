package memory

import (
	"context"
	"slices"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type outboxRecord struct {
	msg       domain.OutboxMessage
	status    domain.OutboxStatus
	attempts  int
	updatedAt time.Time
}

type outboxRepository struct {
	run access
}

func (r *outboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	now := time.Now().UTC()
	msg = msg.PrepareForEnqueue(now)

	err := r.run(func(st *state) error {
		if _, exists := st.outbox[msg.ID]; exists {
			return domain.ErrOutboxPublish
		}
		st.outbox[msg.ID] = outboxRecord{msg: msg, status: domain.OutboxPending, updatedAt: now}
		st.outboxQueue = append(st.outboxQueue, msg.ID)
		return nil
	})
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return msg, nil
}

// PullPending отдаёт начало очереди, не снимая сообщения с неё.
func (r *outboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	var batch []domain.OutboxMessage
	err := r.run(func(st *state) error {
		head := st.outboxQueue[:min(len(st.outboxQueue), domain.OutboxBatchLimit(limit))]
		batch = make([]domain.OutboxMessage, 0, len(head))
		for _, id := range head {
			msg := st.outbox[id].msg
			msg.Payload = slices.Clone(msg.Payload)
			batch = append(batch, msg)
		}
		return nil
	})
	return batch, err
}

func (r *outboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	err := r.run(func(st *state) error {
		stats.PendingCount = len(st.outboxQueue)
		for _, id := range st.outboxQueue {
			created := st.outbox[id].msg.CreatedAt
			if stats.OldestPendingAt.IsZero() || created.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = created
			}
		}
		for _, rec := range st.outbox {
			if rec.status == domain.OutboxFailed {
				stats.FailedCount++
			}
		}
		return nil
	})
	return stats, err
}

func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, domain.OutboxSent)
}

// MarkFailed переводит событие в failed: из очереди оно уходит, в статистике остаётся.
func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id, domain.OutboxFailed)
}

func (r *outboxRepository) settle(id string, status domain.OutboxStatus) error {
	return r.run(func(st *state) error {
		rec, ok := st.outbox[id]
		if !ok {
			return domain.ErrOutboxPublish
		}
		if i := slices.Index(st.outboxQueue, id); i >= 0 {
			st.outboxQueue = slices.Delete(st.outboxQueue, i, i+1)
		}
		rec.status = status
		rec.attempts++
		rec.updatedAt = time.Now().UTC()
		st.outbox[id] = rec
		return nil
	})
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
