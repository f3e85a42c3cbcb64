package memory

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type idempotencyRepository struct {
	run access
}

// CreateProcessing захватывает ключ. Просроченная запись перезаписывается
// сразу, не дожидаясь очистки.
func (r *idempotencyRepository) CreateProcessing(_ context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	now := time.Now().UTC()
	claim, err := domain.NewIdempotencyClaim(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	var out domain.IdempotencyRecord
	err = r.run(func(st *state) error {
		if existing, ok := st.idempotency[claim.Key]; ok && !existing.Expired(now) {
			out = existing.Clone()
			return existing.Conflict(claim.RequestHash)
		}
		st.idempotency[claim.Key] = claim
		out = claim
		return nil
	})
	return out, err
}

func (r *idempotencyRepository) Get(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	var out domain.IdempotencyRecord
	err = r.run(func(st *state) error {
		record, ok := st.idempotency[key]
		if !ok {
			return domain.ErrIdempotencyKeyNotFound
		}
		out = record.Clone()
		return nil
	})
	return out, err
}

func (r *idempotencyRepository) MarkDone(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.storeResponse(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (r *idempotencyRepository) MarkFailed(_ context.Context, key string, responseBody []byte, httpStatus int) error {
	return r.storeResponse(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// Release удаляет ключ; отсутствие ключа не считается ошибкой.
func (r *idempotencyRepository) Release(_ context.Context, key string) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}
	return r.run(func(st *state) error {
		delete(st.idempotency, key)
		return nil
	})
}

// DeleteExpired удаляет ключи с TTLAt <= before, самые старые первыми.
// limit <= 0 снимает ограничение на размер пачки.
func (r *idempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	var removed int
	err := r.run(func(st *state) error {
		var expired []domain.IdempotencyRecord
		for _, record := range st.idempotency {
			if record.Expired(before) {
				expired = append(expired, record)
			}
		}
		slices.SortFunc(expired, func(a, b domain.IdempotencyRecord) int {
			return cmp.Or(a.TTLAt.Compare(b.TTLAt), cmp.Compare(a.Key, b.Key))
		})
		if limit > 0 && len(expired) > limit {
			expired = expired[:limit]
		}
		for _, record := range expired {
			delete(st.idempotency, record.Key)
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}

func (r *idempotencyRepository) storeResponse(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key, err := domain.NormalizeIdempotencyKey(key)
	if err != nil {
		return err
	}

	return r.run(func(st *state) error {
		record, ok := st.idempotency[key]
		if !ok {
			return domain.ErrIdempotencyKeyNotFound
		}
		st.idempotency[key] = record.WithResponse(status, responseBody, httpStatus, time.Now().UTC())
		return nil
	})
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
