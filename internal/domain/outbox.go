package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// DefaultOutboxBatch ограничивает PullPending, если limit не задан.
const DefaultOutboxBatch = 100

// OutboxStatus — состояние записи outbox.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	// OutboxFailed: событие исчерпало попытки и ушло в DLQ.
	OutboxFailed OutboxStatus = "failed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает backlog outbox и число событий, ушедших в DLQ.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}

// PrepareForEnqueue назначает ID и время создания, если их нет, и
// отвязывает payload от буфера вызывающего.
func (m OutboxMessage) PrepareForEnqueue(now time.Time) OutboxMessage {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	m.Payload = bytes.Clone(m.Payload)
	return m
}

// OutboxBatchLimit заменяет неположительный limit значением по умолчанию.
func OutboxBatchLimit(limit int) int {
	if limit <= 0 {
		return DefaultOutboxBatch
	}
	return limit
}
