package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/Shugur-Network/broker/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestExecuteWithRetryDoesNotCountOutcomesAsErrors(t *testing.T) {
	db := &DB{}
	ctx := context.Background()

	for i, outcome := range []error{
		ErrDuplicate,
		fmt.Errorf("debit: %w", ErrInsufficientBalance),
		errSupersededTx,
	} {
		op := fmt.Sprintf("save_outcome_%d", i)
		calls := 0
		err := db.executeWithRetry(ctx, op, func(context.Context) error {
			calls++
			return outcome
		})

		assert.True(t, stderrors.Is(err, outcome), op)
		assert.Equal(t, 1, calls, op)
		assert.Zero(t, testutil.ToFloat64(metrics.DBErrors.WithLabelValues(op)), op)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DBOperations.WithLabelValues(op)), op)
	}
}

func TestExecuteWithRetryCountsFailures(t *testing.T) {
	db := &DB{}
	op := "save_failure"
	boom := stderrors.New("connection reset")

	err := db.executeWithRetry(context.Background(), op, func(context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DBErrors.WithLabelValues(op)))
}
