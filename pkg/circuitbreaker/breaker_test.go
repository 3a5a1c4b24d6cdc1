package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 2, OpenTimeout: time.Hour})
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	var transitions []string

	cb := New("test", Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Minute,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	require.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := New("test", Config{FailureThreshold: 1, OpenTimeout: time.Second})
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	now = now.Add(2 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1})

	err := cb.Execute(context.Background(), func(context.Context) error {
		return context.Canceled
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}
