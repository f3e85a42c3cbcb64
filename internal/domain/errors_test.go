package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassifiers(t *testing.T) {
	wrapped := func(err error) error { return fmt.Errorf("save order ord-1: %w", err) }

	cases := map[string]struct {
		err         error
		version     bool
		idempotency bool
	}{
		"nil":                       {},
		"not found":                 {err: ErrOrderNotFound},
		"version conflict":          {err: ErrOrderVersionConflict, version: true},
		"wrapped version":           {err: wrapped(ErrOrderVersionConflict), version: true},
		"joined version":            {err: errors.Join(ErrPersistence, ErrOrderVersionConflict), version: true},
		"key already exists":        {err: ErrIdempotencyKeyAlreadyExists, idempotency: true},
		"hash mismatch":             {err: wrapped(ErrIdempotencyHashMismatch), idempotency: true},
		"key not found":             {err: ErrIdempotencyKeyNotFound},
		"transition is not a clash": {err: &InvalidTransitionError{From: OrderStatusPending, To: OrderStatusShipped}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.version, IsVersionConflict(tc.err), "IsVersionConflict")
			assert.Equal(t, tc.idempotency, IsIdempotencyConflict(tc.err), "IsIdempotencyConflict")
		})
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := fmt.Errorf("transition ord-7: %w", &InvalidTransitionError{From: OrderStatusPaid, To: OrderStatusShipped})

	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrOrderNotFound)

	var transition *InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, OrderStatusPaid, transition.From)
	assert.Equal(t, OrderStatusShipped, transition.To)
	assert.Equal(t, `invalid order status transition: cannot move order from "paid" to "shipped"`, transition.Error())
}
