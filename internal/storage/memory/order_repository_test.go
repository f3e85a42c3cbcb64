package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestOrderRepository_CreateAndLookup(t *testing.T) {
	repo := memory.NewStore().Repositories().Orders
	ctx := context.Background()
	order := newOrder(t, "customer-1")
	require.NoError(t, repo.Create(ctx, order))

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Number, stored.Number)
	assert.Len(t, stored.Items, 1)

	byNumber, err := repo.GetByNumber(ctx, order.Number)
	require.NoError(t, err)
	assert.Equal(t, order.ID, byNumber.ID)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
	_, err = repo.GetByNumber(ctx, "ORD-missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	assert.ErrorIs(t, repo.Create(ctx, order), domain.ErrOrderAlreadyExists)
	clash := newOrder(t, "customer-2")
	clash.Number = order.Number
	assert.ErrorIs(t, repo.Create(ctx, clash), domain.ErrOrderNumberTaken)
}

func TestOrderRepository_ListByCustomer(t *testing.T) {
	repo := memory.NewStore().Repositories().Orders
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Создаются не по порядку времени: индекс обязан их отсортировать.
	middle := newOrderAt(t, "customer-1", base)
	oldest := newOrderAt(t, "customer-1", base.Add(-time.Hour))
	newest := newOrderAt(t, "customer-1", base.Add(time.Hour))
	foreign := newOrderAt(t, "customer-2", base)
	for _, o := range []domain.Order{middle, oldest, newest, foreign} {
		require.NoError(t, repo.Create(ctx, o))
	}

	ids := func(orders []domain.Order) []string {
		out := make([]string, len(orders))
		for i, o := range orders {
			out[i] = o.ID
		}
		return out
	}

	all, err := repo.ListByCustomer(ctx, "customer-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{newest.ID, middle.ID, oldest.ID}, ids(all))

	limited, err := repo.ListByCustomer(ctx, "customer-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{newest.ID, middle.ID}, ids(limited))

	none, err := repo.ListByCustomer(ctx, "nobody", 5)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestOrderRepository_Save(t *testing.T) {
	repo := memory.NewStore().Repositories().Orders
	ctx := context.Background()
	order := newOrder(t, "customer-1")
	require.NoError(t, repo.Create(ctx, order))

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	stale := stored

	stored.Status = domain.OrderStatusCancelled
	stored.Items = nil
	stored.Number = "ORD-rewritten"
	version, err := repo.Save(ctx, stored)
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	_, err = repo.Save(ctx, stale)
	assert.ErrorIs(t, err, domain.ErrOrderVersionConflict)

	missing := newOrder(t, "customer-1")
	_, err = repo.Save(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	updated, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, updated.Status)
	assert.EqualValues(t, 1, updated.Version)
	assert.Equal(t, order.Number, updated.Number, "number is immutable")
	assert.Len(t, updated.Items, 1, "items are immutable")
}

func TestOrderRepository_ReturnsCopies(t *testing.T) {
	repo := memory.NewStore().Repositories().Orders
	ctx := context.Background()
	order := newOrder(t, "customer-1")
	require.NoError(t, repo.Create(ctx, order))

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	stored.Items[0].Qty = 99

	again, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, again.Items[0].Qty)
}

func TestOrderRepository_RolledBackCreateIsNotListed(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	order := newOrder(t, "customer-1")
	boom := errors.New("boom")

	err := store.InTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
		require.NoError(t, repos.Orders.Create(ctx, order))
		listed, err := repos.Orders.ListByCustomer(ctx, "customer-1", 0)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)

	listed, err := store.Repositories().Orders.ListByCustomer(ctx, "customer-1", 0)
	require.NoError(t, err)
	assert.Empty(t, listed)
}
