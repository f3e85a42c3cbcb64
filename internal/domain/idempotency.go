package domain

import (
	"bytes"
	"strings"
	"time"
)

// DefaultIdempotencyTTL — срок жизни ключа, если вызывающий его не задал.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus задаёт стадию обработки запроса с Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: ответ 2xx/3xx сохранён и отдаётся повторно.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: запрос отклонён с 4xx, отказ тоже отдаётся повторно.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	}
	return false
}

// StatusForResponse выбирает статус записи по HTTP-коду ответа.
// Для 5xx записи нет: ключ освобождается, и клиент может повторить запрос.
func StatusForResponse(httpStatus int) (IdempotencyStatus, bool) {
	switch {
	case httpStatus >= 500 || httpStatus < 100:
		return "", false
	case httpStatus >= 400:
		return IdempotencyStatusFailed, true
	default:
		return IdempotencyStatusDone, true
	}
}

// IdempotencyRecord хранит ключ, отпечаток запроса и сохранённый ответ.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizeIdempotencyKey обрезает пробелы; пустой ключ — ошибка.
func NormalizeIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	return key, nil
}

// NewIdempotencyClaim строит запись processing для захвата ключа в момент now.
// Нулевой ttlAt заменяется на now + DefaultIdempotencyTTL.
func NewIdempotencyClaim(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key, err := NormalizeIdempotencyKey(key)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired сообщает, что срок хранения ключа истёк к моменту at.
func (r IdempotencyRecord) Expired(at time.Time) bool {
	return !r.TTLAt.After(at)
}

// Conflict объясняет, почему живой ключ нельзя захватить запросом с requestHash.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// WithResponse возвращает копию записи с сохранённым ответом.
func (r IdempotencyRecord) WithResponse(status IdempotencyStatus, body []byte, httpStatus int, at time.Time) IdempotencyRecord {
	r.Status = status
	r.ResponseBody = append([]byte(nil), body...)
	r.HTTPStatus = httpStatus
	r.UpdatedAt = at
	return r
}

// Clone возвращает копию записи с собственным ResponseBody.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	r.ResponseBody = bytes.Clone(r.ResponseBody)
	return r
}

// Replayable сообщает, что у записи есть готовый ответ для повтора.
func (r IdempotencyRecord) Replayable() bool {
	return r.HTTPStatus != 0 && (r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed)
}
