package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errConflict = errors.New("conflict")

func TestOnConflictRetriesExactlyOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), OnConflict(zaptest.NewLogger(t), errConflict), func(attempt int) error {
		calls++
		return errConflict
	})
	require.ErrorIs(t, err, errConflict)
	require.Equal(t, 2, calls)
}

func TestOnConflictDoesNotRetryOtherErrors(t *testing.T) {
	other := errors.New("disk full")
	calls := 0
	err := Do(context.Background(), OnConflict(nil, errConflict), func(attempt int) error {
		calls++
		return other
	})
	require.ErrorIs(t, err, other)
	require.Equal(t, 1, calls)
}

func TestDoWithResultPassesAttempt(t *testing.T) {
	got, err := DoWithResult(context.Background(), OnConflict(nil, errConflict), func(attempt int) (int, error) {
		if attempt == 1 {
			return 0, errConflict
		}
		return attempt * 10, nil
	})
	require.NoError(t, err)
	require.Equal(t, 20, got)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(int) error {
		calls++
		return errConflict
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, calls)
}

func TestRetryIfOverridesRetryableErrors(t *testing.T) {
	busy := errors.New("database is locked")
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.RetryableErrors = []error{errConflict}
	cfg.RetryIf = func(err error) bool { return errors.Is(err, busy) }

	calls := 0
	err := Do(context.Background(), cfg, func(int) error {
		calls++
		if calls < cfg.MaxAttempts {
			return busy
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, cfg.MaxAttempts, calls)

	calls = 0
	err = Do(context.Background(), cfg, func(int) error {
		calls++
		return errConflict
	})
	require.ErrorIs(t, err, errConflict)
	require.Equal(t, 1, calls)
}

func TestAddJitterStaysWithinFraction(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, addJitter(base, 0))
	for i := 0; i < 50; i++ {
		d := addJitter(base, 0.1)
		require.GreaterOrEqual(t, d, 90*time.Millisecond)
		require.LessOrEqual(t, d, 110*time.Millisecond)
	}
}
