package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTTL — сколько хранится ответ на запрос с Idempotency-Key.
const DefaultTTL = 24 * time.Hour

// Guard захватывает ключ идемпотентности перед выполнением запроса и
// сохраняет ответ после него.
type Guard struct {
	repo domain.IdempotencyRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewGuard создаёт Guard; ttl <= 0 заменяется на DefaultTTL.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{repo: repo, ttl: ttl, now: time.Now}
}

// Decision — результат Begin.
type Decision struct {
	// Replay означает, что запрос уже выполнен и Record содержит сохранённый ответ.
	Replay bool
	Record domain.IdempotencyRecord
}

// Begin захватывает ключ. Повтор завершённого запроса с тем же телом
// возвращает Replay. Запрос, который ещё выполняется, даёт
// ErrIdempotencyKeyAlreadyExists, другое тело даёт ErrIdempotencyHashMismatch.
func (g *Guard) Begin(ctx context.Context, key, requestHash string) (Decision, error) {
	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().UTC().Add(g.ttl))
	switch {
	case err == nil:
		return Decision{Record: record}, nil
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if record.Replayable() {
			return Decision{Replay: true, Record: record}, nil
		}
		return Decision{Record: record}, err
	default:
		return Decision{Record: record}, err
	}
}

// Complete сохраняет ответ для последующих повторов. Отказ 4xx хранится
// как failed, ответ 5xx не сохраняется, и ключ освобождается.
func (g *Guard) Complete(ctx context.Context, key string, body []byte, httpStatus int) error {
	status, keep := domain.StatusForResponse(httpStatus)
	if !keep {
		return g.Abort(ctx, key)
	}
	mark := g.repo.MarkDone
	if status == domain.IdempotencyStatusFailed {
		mark = g.repo.MarkFailed
	}
	if err := mark(ctx, key, body, httpStatus); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Abort освобождает ключ после ошибки, чтобы клиент мог повторить запрос.
func (g *Guard) Abort(ctx context.Context, key string) error {
	if err := g.repo.Release(ctx, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// HashRequest считает sha256 от частей запроса (метод, путь, тело).
func HashRequest(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
