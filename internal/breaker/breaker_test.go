package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

func testSettings() types.CircuitBreakerSettings {
	return types.CircuitBreakerSettings{
		FailureThreshold:    0.5,
		RecoveryTimeout:     100 * time.Millisecond,
		HalfOpenMaxRequests: 2,
		Timeout:             time.Second,
		MonitoringWindow:    time.Minute,
		MinimumRequests:     3,
	}
}

var errBoom = errors.New("boom")

func failOp(ctx context.Context) error    { return errBoom }
func succeedOp(ctx context.Context) error { return nil }

func TestNew(t *testing.T) {
	t.Run("valid settings", func(t *testing.T) {
		cb, err := New("openai", testSettings())
		require.NoError(t, err)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("empty name rejected", func(t *testing.T) {
		_, err := New("", testSettings())
		assert.Error(t, err)
	})

	t.Run("invalid threshold rejected", func(t *testing.T) {
		settings := testSettings()
		settings.FailureThreshold = 1.5
		_, err := New("openai", settings)
		assert.Error(t, err)
	})
}

func TestExecuteTripsAtFailureThreshold(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Error(t, cb.Execute(ctx, failOp))
	}

	assert.Equal(t, StateOpen, cb.State())

	m := cb.Metrics()
	assert.Equal(t, 3, m.FailureCount)
	assert.Equal(t, 1.0, m.FailureRate)
}

func TestExecuteBelowMinimumRequestsStaysClosed(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	// Two failures is 100% failure rate but below the minimum sample
	ctx := context.Background()
	assert.Error(t, cb.Execute(ctx, failOp))
	assert.Error(t, cb.Execute(ctx, failOp))

	assert.Equal(t, StateClosed, cb.State())
}

func TestFailureRateBoundary(t *testing.T) {
	settings := testSettings()
	settings.FailureThreshold = 0.6
	settings.MinimumRequests = 5

	cb, err := New("openai", settings)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cb.Execute(ctx, succeedOp))
	require.NoError(t, cb.Execute(ctx, succeedOp))
	require.Error(t, cb.Execute(ctx, failOp))
	require.Error(t, cb.Execute(ctx, failOp))
	assert.Equal(t, StateClosed, cb.State())

	// Fifth call makes 3 of 5 failures, exactly the 0.6 threshold
	require.Error(t, cb.Execute(ctx, failOp))
	assert.Equal(t, StateOpen, cb.State())
}

func TestOpenRejectsWithoutInvoking(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp)
	}
	require.Equal(t, StateOpen, cb.State())

	invoked := false
	err = cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})

	assert.False(t, invoked)
	assert.True(t, gwerrors.IsCircuitOpen(err))

	var openErr *gwerrors.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "openai", openErr.Provider)
	assert.Equal(t, 3, openErr.Metrics.FailureCount)
	assert.False(t, openErr.Metrics.NextRetry.IsZero())
}

func TestRecoveryToHalfOpen(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenClosesAfterAllTrialsSucceed(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp)
	}
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeedOp))
	require.NoError(t, cb.Execute(ctx, succeedOp))

	assert.Equal(t, StateClosed, cb.State())

	// Window was cleared on close
	m := cb.Metrics()
	assert.Equal(t, 0, m.TotalRequests)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp)
	}
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, cb.Execute(ctx, succeedOp))
	require.Error(t, cb.Execute(ctx, failOp))

	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenLimitsConcurrentTrials(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp)
	}
	time.Sleep(150 * time.Millisecond)

	// Admit the two allowed trials without completing them
	require.NoError(t, cb.beforeCall())
	require.NoError(t, cb.beforeCall())

	// Third concurrent trial is rejected
	err = cb.beforeCall()
	assert.True(t, gwerrors.IsCircuitOpen(err))
}

func TestExecuteTimeoutCountsAsFailure(t *testing.T) {
	settings := testSettings()
	settings.Timeout = 50 * time.Millisecond

	cb, err := New("openai", settings)
	require.NoError(t, err)

	slowOp := func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, slowOp)
		require.Error(t, err)
		assert.Equal(t, gwerrors.ErrTimeout, gwerrors.CodeOf(err))
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestStateChangeCallback(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	var transitions []string
	cb.OnStateChange(func(name string, from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp)
	}
	time.Sleep(150 * time.Millisecond)
	cb.Execute(ctx, succeedOp)
	cb.Execute(ctx, succeedOp)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestReset(t *testing.T) {
	cb, err := New("openai", testSettings())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cb.Execute(ctx, failOp)
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Metrics().TotalRequests)
	assert.NoError(t, cb.Execute(ctx, succeedOp))
}

func TestWindowPruning(t *testing.T) {
	settings := testSettings()
	settings.MonitoringWindow = 50 * time.Millisecond

	cb, err := New("openai", settings)
	require.NoError(t, err)

	ctx := context.Background()
	cb.Execute(ctx, failOp)
	cb.Execute(ctx, failOp)

	time.Sleep(80 * time.Millisecond)

	// Old failures rolled out of the window; one new failure is not enough
	cb.Execute(ctx, failOp)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.Metrics().TotalRequests)
}

func TestManager(t *testing.T) {
	logger := utils.NewTestLogger()

	t.Run("lazy creation and reuse", func(t *testing.T) {
		m := NewManager(func(name string) (types.CircuitBreakerSettings, error) {
			return testSettings(), nil
		}, logger)

		cb1, err := m.Get("openai")
		require.NoError(t, err)
		cb2, err := m.Get("openai")
		require.NoError(t, err)
		assert.Same(t, cb1, cb2)
	})

	t.Run("unknown provider", func(t *testing.T) {
		m := NewManager(func(name string) (types.CircuitBreakerSettings, error) {
			return types.CircuitBreakerSettings{}, errors.New("not found")
		}, logger)

		_, err := m.Get("missing")
		assert.Error(t, err)
	})

	t.Run("remove purges state", func(t *testing.T) {
		m := NewManager(func(name string) (types.CircuitBreakerSettings, error) {
			return testSettings(), nil
		}, logger)

		cb, err := m.Get("openai")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			cb.Execute(context.Background(), failOp)
		}
		require.Equal(t, StateOpen, cb.State())

		m.Remove("openai")

		fresh, err := m.Get("openai")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, fresh.State())
	})
}
