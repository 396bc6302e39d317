package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("webhook endpoint returned 503")

// failFor returns an fn that fails n times before succeeding.
func failFor(n int, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return errFlaky
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		wantCalls int
		wantErr   error
	}{
		{"first try", 3, 0, 1, nil},
		{"recovers on last attempt", 3, 2, 3, nil},
		{"exhausted", 3, 10, 3, errFlaky},
		{"zero attempts still calls once", 0, 0, 1, nil},
		{"negative attempts still calls once", -2, 5, 1, errFlaky},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), tt.attempts, time.Millisecond, failFor(tt.failures, &calls))
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDo_PermanentIsUnwrappedAndNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(errFlaky)
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, errFlaky, err)
}

func TestDo_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var calls int
	err := Do(ctx, 10, time.Hour, failFor(100, &calls))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestNext(t *testing.T) {
	delays := []time.Duration{5 * time.Second, 25 * time.Second, 125 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{0, 5 * time.Second, true},
		{1, 25 * time.Second, true},
		{2, 125 * time.Second, true},
		{3, 0, false},
		{-1, 0, false},
	}
	for _, tt := range tests {
		got, ok := Next(delays, tt.attempt)
		assert.Equal(t, tt.ok, ok, "attempt %d", tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}

	_, ok := Next(nil, 0)
	assert.False(t, ok)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(Permanent(errFlaky)))
	assert.True(t, IsPermanent(fmt.Errorf("send: %w", Permanent(errFlaky))))
	assert.False(t, IsPermanent(errFlaky))
	assert.False(t, IsPermanent(nil))
}

func TestJitteredStaysWithinQuarter(t *testing.T) {
	base := 400 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jittered(base)
		require.GreaterOrEqual(t, d, 300*time.Millisecond)
		require.LessOrEqual(t, d, 500*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jittered(0))
}
