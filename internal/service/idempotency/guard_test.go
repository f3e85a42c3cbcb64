package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestGuard_Lifecycle(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(memory.NewStore().Repositories().Idempotency, 0)
	hash := HashRequest([]byte("POST"), []byte("/api/orders"), []byte(`{"customer_id":"c-1"}`))

	decision, err := guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	require.False(t, decision.Replay)
	require.Equal(t, domain.IdempotencyStatusProcessing, decision.Record.Status)

	_, err = guard.Begin(ctx, "key-1", hash)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists, "in-flight request must not run twice")

	_, err = guard.Begin(ctx, "key-1", HashRequest([]byte("other")))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)

	require.NoError(t, guard.Complete(ctx, "key-1", []byte(`{"id":"o-1"}`), 201))

	decision, err = guard.Begin(ctx, "key-1", hash)
	require.NoError(t, err)
	require.True(t, decision.Replay)
	require.Equal(t, 201, decision.Record.HTTPStatus)
	require.JSONEq(t, `{"id":"o-1"}`, string(decision.Record.ResponseBody))
}

func TestGuard_AbortAllowsRetry(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(memory.NewStore().Repositories().Idempotency, 0)

	_, err := guard.Begin(ctx, "key-2", "hash")
	require.NoError(t, err)
	require.NoError(t, guard.Abort(ctx, "key-2"))

	decision, err := guard.Begin(ctx, "key-2", "hash")
	require.NoError(t, err)
	require.False(t, decision.Replay)
}

func TestGuard_CompleteByResponseClass(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(memory.NewStore().Repositories().Idempotency, 0)

	_, err := guard.Begin(ctx, "rejected", "hash")
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, "rejected", []byte(`{"error":"invalid transition"}`), 409))

	decision, err := guard.Begin(ctx, "rejected", "hash")
	require.NoError(t, err)
	require.True(t, decision.Replay, "4xx answers are replayed too")
	require.Equal(t, domain.IdempotencyStatusFailed, decision.Record.Status)
	require.Equal(t, 409, decision.Record.HTTPStatus)

	_, err = guard.Begin(ctx, "crashed", "hash")
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, "crashed", []byte(`{}`), 502))

	decision, err = guard.Begin(ctx, "crashed", "hash")
	require.NoError(t, err)
	require.False(t, decision.Replay, "5xx releases the key")
}

func TestGuard_ExpiredKeyIsReclaimed(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(memory.NewStore().Repositories().Idempotency, time.Minute)
	guard.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }

	_, err := guard.Begin(ctx, "old", "hash-a")
	require.NoError(t, err)
	require.NoError(t, guard.Complete(ctx, "old", []byte(`{"id":"o-1"}`), 201))

	guard.now = time.Now
	decision, err := guard.Begin(ctx, "old", "hash-b")
	require.NoError(t, err, "expired key must be taken over before cleanup")
	require.False(t, decision.Replay)
	require.Equal(t, "hash-b", decision.Record.RequestHash)
}

func TestHashRequest_SeparatesParts(t *testing.T) {
	require.NotEqual(t, HashRequest([]byte("ab"), []byte("c")), HashRequest([]byte("a"), []byte("bc")))
	require.Len(t, HashRequest(), 64)
}
