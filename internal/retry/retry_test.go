package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgw/internal/registry"
)

func TestForService(t *testing.T) {
	t.Parallel()

	p := ForService(registry.ServiceDefinition{Retries: 2, RetryBackoff: 10 * time.Millisecond})
	assert.Equal(t, 2, p.Retries)
	assert.Equal(t, 10*time.Millisecond, p.Backoff)
	assert.Equal(t, DefaultMaxBackoff, p.MaxBackoff)
	assert.Equal(t, DefaultJitter, p.Jitter)
}

func TestPolicy_Normalized(t *testing.T) {
	t.Parallel()

	p := Policy{Retries: -1, Jitter: 3}.normalized()
	assert.Zero(t, p.Retries)
	assert.Equal(t, DefaultBackoff, p.Backoff)
	assert.Equal(t, DefaultMaxBackoff, p.MaxBackoff)
	assert.Equal(t, 1.0, p.Jitter)

	assert.Zero(t, Policy{Jitter: -0.5}.normalized().Jitter)
}

func TestPolicy_Wait(t *testing.T) {
	t.Parallel()

	p := Policy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Wait(1))
	assert.Equal(t, 400*time.Millisecond, p.Wait(3))
	assert.Equal(t, time.Second, p.Wait(10))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Wait(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestDo(t *testing.T) {
	t.Parallel()

	transient := errors.New("transient")
	permanent := errors.New("permanent")

	tests := []struct {
		name      string
		policy    Policy
		failUntil int // attempts below this fail
		failWith  error
		retryable func(error) bool
		wantErr   error
		wantCalls int
	}{
		{name: "first try succeeds", policy: Policy{Retries: 3}, wantCalls: 1},
		{name: "zero retries tries once", failUntil: 99, failWith: transient, wantErr: transient, wantCalls: 1},
		{
			name:      "retries until success",
			policy:    Policy{Retries: 3, Backoff: time.Millisecond},
			failUntil: 2, failWith: transient,
			wantCalls: 3,
		},
		{
			name:      "exhausted",
			policy:    Policy{Retries: 2, Backoff: time.Millisecond},
			failUntil: 99, failWith: transient,
			wantErr: transient, wantCalls: 3,
		},
		{
			name:      "non-retryable stops",
			policy:    Policy{Retries: 5, Backoff: time.Millisecond},
			failUntil: 99, failWith: permanent,
			retryable: func(err error) bool { return !errors.Is(err, permanent) },
			wantErr:   permanent, wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var seen []int
			err := tt.policy.Do(context.Background(), func(n int) error {
				seen = append(seen, n)
				if n < tt.failUntil {
					return tt.failWith
				}
				return nil
			}, Hooks{Retryable: tt.retryable})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.Len(t, seen, tt.wantCalls)
			for i, n := range seen {
				assert.Equal(t, i, n)
			}
		})
	}
}

func TestDo_BeforeRetry(t *testing.T) {
	t.Parallel()

	var retries []int
	err := Policy{Retries: 2, Backoff: time.Millisecond}.Do(context.Background(),
		func(int) error { return errors.New("down") },
		Hooks{BeforeRetry: func(n int, err error, wait time.Duration) {
			retries = append(retries, n)
			assert.Error(t, err)
			assert.Positive(t, wait)
		}},
	)

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	failure := errors.New("down")
	calls := 0

	err := Policy{Retries: 5, Backoff: time.Hour, MaxBackoff: time.Hour}.Do(ctx,
		func(int) error {
			calls++
			return failure
		},
		Hooks{BeforeRetry: func(int, error, time.Duration) { cancel() }},
	)

	assert.ErrorIs(t, err, failure)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextAlreadyCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Policy{Retries: 1}.Do(ctx, func(int) error {
		t.Fatal("must not be called")
		return nil
	}, Hooks{})
	assert.ErrorIs(t, err, context.Canceled)
}
