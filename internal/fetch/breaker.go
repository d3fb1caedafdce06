package fetch

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/banshee-data/sensor.replay/internal/monitoring"
)

// BreakerStore wraps a Store with a circuit breaker. Once the backend has
// failed consecutively the breaker opens and calls fail fast with
// gobreaker.ErrOpenState until the timeout elapses, so a dead database does
// not stall every session's cadence loop. Errors still reach the Fetcher and
// are handled like any other storage failure.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker[any]
}

// BreakerSettings controls when the breaker opens.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	Timeout             time.Duration
}

// NewBreakerStore wraps next.
func NewBreakerStore(next Store, s BreakerSettings) *BreakerStore {
	if s.Name == "" {
		s.Name = "store"
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	logf := monitoring.Component("fetch")
	monitoring.BreakerState.WithLabelValues(s.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Cancelled sessions and empty datasets say nothing about the
			// backend's health.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, ErrNoData)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logf("breaker %s: %s -> %s", name, from, to)
			monitoring.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// State returns the breaker's current state.
func (b *BreakerStore) State() gobreaker.State {
	return b.cb.State()
}

func call[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (b *BreakerStore) EligibleSensors(ctx context.Context, limit int) ([]Sensor, error) {
	return call(b, func() ([]Sensor, error) { return b.next.EligibleSensors(ctx, limit) })
}

func (b *BreakerStore) RawWindowRows(ctx context.Context, start, end time.Time) ([]RawRow, error) {
	return call(b, func() ([]RawRow, error) { return b.next.RawWindowRows(ctx, start, end) })
}

func (b *BreakerStore) SensorMinMax(ctx context.Context, sensorID int64) (float64, float64, error) {
	r, err := call(b, func() ([2]float64, error) {
		min, max, err := b.next.SensorMinMax(ctx, sensorID)
		return [2]float64{min, max}, err
	})
	return r[0], r[1], err
}

func (b *BreakerStore) WindowEvents(ctx context.Context, start, end time.Time, limit int) ([]EventTimestamp, error) {
	return call(b, func() ([]EventTimestamp, error) { return b.next.WindowEvents(ctx, start, end, limit) })
}

func (b *BreakerStore) FirstAvailableTimestamp(ctx context.Context, limit int) (time.Time, error) {
	return call(b, func() (time.Time, error) { return b.next.FirstAvailableTimestamp(ctx, limit) })
}
