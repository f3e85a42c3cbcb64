package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func enqueue(t *testing.T, repo domain.OutboxRepository, orderID, payload string) domain.OutboxMessage {
	t.Helper()
	msg, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   orderID,
		EventType:     domain.EventTypeOrderStatusChanged,
		Payload:       []byte(payload),
	})
	require.NoError(t, err)
	return msg
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore().Repositories().Outbox
	first := enqueue(t, repo, "order-1", `{"status":"paid"}`)
	second := enqueue(t, repo, "order-2", `{"status":"cancelled"}`)
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))

	sent := worker.ProcessOnce(context.Background())
	require.Equal(t, 2, sent)
	require.Equal(t, []string{first.ID, second.ID}, publisher.publishedIDs())

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)

	require.Zero(t, worker.ProcessOnce(context.Background()), "sent events must not be relayed twice")
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore().Repositories().Outbox
	msg := enqueue(t, repo, "order-2", `{"status":"cancelled"}`)
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlq), WithRetryBaseDelay(0), WithMaxAttempts(3))

	require.Zero(t, worker.ProcessOnce(context.Background()))
	require.Equal(t, 3, publisher.calls())
	require.Equal(t, 1, dlq.calls())

	dead := dlq.last()
	require.Equal(t, msg.ID, dead.ID)
	var letter DeadLetter
	require.NoError(t, json.Unmarshal(dead.Payload, &letter))
	require.Equal(t, "order-2", letter.AggregateID)
	require.JSONEq(t, `{"status":"cancelled"}`, string(letter.Payload))
	require.Contains(t, letter.PublishError, "broker down")

	pending, err := repo.PullPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.FailedCount)
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore().Repositories().Outbox
	enqueue(t, repo, "order-3", `{"status":"paid"}`)
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Millisecond), WithMaxAttempts(3))

	require.Equal(t, 1, worker.ProcessOnce(context.Background()))
	require.Equal(t, 3, publisher.calls())
}

func TestWorker_ProcessOnce_CancelledContext(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore().Repositories().Outbox
	enqueue(t, repo, "order-4", `{}`)
	publisher := &stubPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Zero(t, NewWorker(repo, publisher).ProcessOnce(ctx))
	require.Zero(t, publisher.calls())
}

func TestWorker_RetryBackoff(t *testing.T) {
	w := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 10 * time.Millisecond},
		{attempt: 2, want: 20 * time.Millisecond},
		{attempt: 4, want: 80 * time.Millisecond},
		{attempt: 40, want: maxRetryDelay},
	}
	for _, tt := range tests {
		if got := w.retryBackoff(tt.attempt); got != tt.want {
			t.Fatalf("attempt %d: got %s want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestWorker_RetryBackoffDisabled(t *testing.T) {
	w := NewWorker(nil, nil, WithRetryBaseDelay(-time.Second))
	require.Zero(t, w.retryBackoff(3))
}

func TestNewDeadLetter_Message(t *testing.T) {
	event := domain.OutboxMessage{
		ID:            "evt-1",
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-9",
		EventType:     domain.EventTypeOrderStatusChanged,
		Payload:       []byte(`{"status":"shipped"}`),
	}
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	failedAt := time.Date(2026, 3, 1, 15, 0, 0, 0, time.FixedZone("MSK", 3*3600))

	msg, err := NewDeadLetter(event, errors.New("timeout"), failedAt).Message(createdAt)
	require.NoError(t, err)
	require.Equal(t, "evt-1", msg.ID)
	require.Equal(t, "order-9", msg.AggregateID)
	require.Equal(t, createdAt, msg.CreatedAt)

	var letter DeadLetter
	require.NoError(t, json.Unmarshal(msg.Payload, &letter))
	require.Equal(t, "timeout", letter.PublishError)
	require.True(t, letter.FailedAt.Equal(failedAt))
	require.Equal(t, time.UTC, letter.FailedAt.Location())
	require.JSONEq(t, `{"status":"shipped"}`, string(letter.Payload))
}

func TestWorker_ProcessOnce_NoDLQStillMarksFailed(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore().Repositories().Outbox
	enqueue(t, repo, "order-5", `{}`)
	worker := NewWorker(repo, &stubPublisher{err: errors.New("down")}, WithRetryBaseDelay(0), WithMaxAttempts(1))

	require.Zero(t, worker.ProcessOnce(context.Background()))

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.Equal(t, 1, stats.FailedCount)
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := memory.NewStore().Repositories().Outbox
	worker := NewWorker(repo, &stubPublisher{}, WithPollInterval(5*time.Millisecond), WithRetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
	callCount      int
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	err := s.err
	if len(s.sequenceErrors) > 0 {
		err = s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
	}
	if err == nil {
		s.published = append(s.published, msg)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) publishedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.published))
	for _, msg := range s.published {
		ids = append(ids, msg.ID)
	}
	return ids
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[len(s.published)-1]
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)
