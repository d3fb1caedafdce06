// Package fetch turns a time range into the normalized, group-scaled result
// set pushed to stream clients.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/sensor.replay/internal/monitoring"
	"github.com/banshee-data/sensor.replay/internal/normalize"
	"github.com/banshee-data/sensor.replay/internal/window"
)

var (
	// ErrFetchFailed wraps any storage error raised while fetching a window.
	ErrFetchFailed = errors.New("window fetch failed")
	// ErrInvalidLimit is returned for limits below one.
	ErrInvalidLimit = errors.New("limit must be at least 1")
	// ErrNoData is returned by FirstAvailableTimestamp when no eligible
	// sensor has readings.
	ErrNoData = errors.New("no readings available")
	// ErrNotFound is returned by stores for unknown identifiers.
	ErrNotFound = errors.New("not found")
)

// Result is the enriched content of one window.
type Result struct {
	Readings       []Reading                     `json:"sensorData"`
	Events         []EventTimestamp              `json:"eventData"`
	GroupSensors   map[string][]string           `json:"groupSensorMap"`
	GroupIntervals map[string]normalize.Interval `json:"groupIntervals"`
	// Stop is set when the store holds no rows at all in the range. It is
	// the normal end-of-data signal, not an error.
	Stop bool `json:"-"`
}

func emptyResult(stop bool) *Result {
	return &Result{
		Readings:       []Reading{},
		Events:         []EventTimestamp{},
		GroupSensors:   map[string][]string{},
		GroupIntervals: map[string]normalize.Interval{},
		Stop:           stop,
	}
}

// Fetcher reads windows from a Store.
type Fetcher struct {
	store    Store
	duration time.Duration
	logf     monitoring.LogFunc
}

// New creates a Fetcher. windowDuration is the width used by Snapshot.
func New(store Store, windowDuration time.Duration) *Fetcher {
	return &Fetcher{
		store:    store,
		duration: windowDuration,
		logf:     monitoring.Component("fetch"),
	}
}

// WindowDuration returns the width used for snapshot windows.
func (f *Fetcher) WindowDuration() time.Duration {
	return f.duration
}

// Fetch returns the readings and events in [start, end) for the sensors
// selected by limit.
func (f *Fetcher) Fetch(ctx context.Context, start, end time.Time, limit int) (*Result, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}

	began := time.Now()
	res, err := f.fetch(ctx, start, end, limit)
	monitoring.FetchDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		monitoring.FetchFailures.Inc()
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, start, end time.Time, limit int) (*Result, error) {
	rows, err := f.store.RawWindowRows(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("raw rows: %w", err)
	}
	if len(rows) == 0 {
		return emptyResult(true), nil
	}

	sensors, err := f.store.EligibleSensors(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("eligible sensors: %w", err)
	}
	eligible := make(map[int64]Sensor, len(sensors))
	for _, s := range sensors {
		eligible[s.ID] = s
	}

	type sensorRange struct{ min, max float64 }
	ranges := make(map[int64]sensorRange)
	kept := make([]RawRow, 0, len(rows))
	var groupNames []string
	for _, row := range rows {
		s, ok := eligible[row.SensorID]
		if !ok {
			continue
		}
		if _, seen := ranges[row.SensorID]; !seen {
			min, max, err := f.store.SensorMinMax(ctx, row.SensorID)
			if err != nil {
				return nil, fmt.Errorf("min/max for sensor %d: %w", row.SensorID, err)
			}
			ranges[row.SensorID] = sensorRange{min, max}
			groupNames = append(groupNames, s.Group)
		}
		kept = append(kept, row)
	}

	res := emptyResult(false)
	res.GroupIntervals = normalize.Intervals(groupNames)

	members := make(map[string]map[string]struct{})
	res.Readings = make([]Reading, 0, len(kept))
	for _, row := range kept {
		s := eligible[row.SensorID]
		r := ranges[row.SensorID]
		iv := res.GroupIntervals[s.Group]
		v := normalize.Value(row.Value, r.min, r.max)
		res.Readings = append(res.Readings, Reading{
			SensorID:   s.ID,
			SensorName: s.Name,
			Group:      s.Group,
			Timestamp:  row.Timestamp,
			Raw:        row.Value,
			Normalized: v,
			Scaled:     iv.Scale(v),
			GroupMin:   iv.Min,
			GroupMax:   iv.Max,
		})
		if members[s.Group] == nil {
			members[s.Group] = make(map[string]struct{})
		}
		members[s.Group][s.Name] = struct{}{}
	}
	for group, names := range members {
		list := make([]string, 0, len(names))
		for n := range names {
			list = append(list, n)
		}
		sort.Strings(list)
		res.GroupSensors[group] = list
	}

	events, err := f.store.WindowEvents(ctx, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("window events: %w", err)
	}
	if events != nil {
		res.Events = events
	}

	if len(res.Readings) == 0 {
		f.logf("window %s has %d rows but none for the first %d events", window.State{Start: start, End: end}, len(rows), limit)
	}
	return res, nil
}

// Snapshot fetches the window of the configured width that ends at end. It
// serves paused clients that need to reconcile with the last delivered
// timestamp.
func (f *Fetcher) Snapshot(ctx context.Context, end time.Time, limit int) (*Result, error) {
	return f.Fetch(ctx, end.Add(-f.duration), end, limit)
}

// FirstAvailable returns the earliest reading timestamp among the sensors
// selected by limit.
func (f *Fetcher) FirstAvailable(ctx context.Context, limit int) (time.Time, error) {
	if limit < 1 {
		return time.Time{}, fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	ts, err := f.store.FirstAvailableTimestamp(ctx, limit)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("%w: first timestamp: %w", ErrFetchFailed, err)
	}
	return ts.UTC(), nil
}
