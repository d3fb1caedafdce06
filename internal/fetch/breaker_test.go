package fetch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensor.replay/internal/fetch"
)

func TestBreakerStore_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingStore{err: errors.New("connection refused")}
	b := fetch.NewBreakerStore(inner, fetch.BreakerSettings{
		Name:                "test-open",
		ConsecutiveFailures: 3,
		Timeout:             time.Hour,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.RawWindowRows(ctx, t0, t0.Add(time.Second))
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.RawWindowRows(ctx, t0, t0.Add(time.Second))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.calls, "open breaker must not reach the store")

	// The fetcher still reports it as a fetch failure.
	_, err = fetch.New(b, time.Second).Fetch(ctx, t0, t0.Add(time.Second), 1)
	assert.ErrorIs(t, err, fetch.ErrFetchFailed)
}

func TestBreakerStore_CancellationIsNotAFailure(t *testing.T) {
	inner := &failingStore{err: context.Canceled}
	b := fetch.NewBreakerStore(inner, fetch.BreakerSettings{
		Name:                "test-cancel",
		ConsecutiveFailures: 1,
		Timeout:             time.Hour,
	})

	for i := 0; i < 5; i++ {
		_, _, err := b.SensorMinMax(context.Background(), 1)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerStore_PassesThrough(t *testing.T) {
	b := fetch.NewBreakerStore(twoGroupStore(t), fetch.BreakerSettings{Name: "test-pass"})
	f := fetch.New(b, 5*time.Second)

	res, err := f.Fetch(context.Background(), t0, t0.Add(5*time.Second), 4)
	require.NoError(t, err)
	assert.Len(t, res.Readings, 20)

	min, max, err := b.SensorMinMax(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 0.0, min)
	assert.Equal(t, 36.0, max)
}
