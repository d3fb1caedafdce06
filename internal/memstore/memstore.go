// Package memstore is an in-memory implementation of the fetch.Store
// collaborator. It backs the server's dev mode and the engine tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/normalize"
)

// ErrUnknownSensor is returned when a reading or event refers to a sensor
// that was never added.
var ErrUnknownSensor = errors.New("unknown sensor")

// ErrUnknownEvent is returned for occurrences of an unknown process event
// and for unknown occurrence ids.
var ErrUnknownEvent = fmt.Errorf("%w: unknown process event", fetch.ErrNotFound)

// Store holds sensors, readings and process events in memory.
type Store struct {
	mu         sync.RWMutex
	sensors    map[int64]fetch.Sensor
	values     map[int64][]float64
	readings   []fetch.RawRow
	events     map[int64]fetch.ProcessEvent
	timestamps []fetch.EventTimestamp
	nextTSID   int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sensors: make(map[int64]fetch.Sensor),
		values:  make(map[int64][]float64),
		events:  make(map[int64]fetch.ProcessEvent),
	}
}

// AddSensor registers a sensor in a group.
func (s *Store) AddSensor(id int64, name, group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors[id] = fetch.Sensor{ID: id, Name: name, Group: group}
}

// AddReading stores one reading.
func (s *Store) AddReading(sensorID int64, ts time.Time, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sensors[sensorID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, sensorID)
	}
	row := fetch.RawRow{SensorID: sensorID, Timestamp: ts.UTC(), Value: value}
	i := sort.Search(len(s.readings), func(i int) bool {
		r := s.readings[i]
		if !r.Timestamp.Equal(row.Timestamp) {
			return r.Timestamp.After(row.Timestamp)
		}
		return r.SensorID > row.SensorID
	})
	s.readings = append(s.readings, fetch.RawRow{})
	copy(s.readings[i+1:], s.readings[i:])
	s.readings[i] = row
	s.values[sensorID] = append(s.values[sensorID], value)
	return nil
}

// AddEvent registers a process event.
func (s *Store) AddEvent(ev fetch.ProcessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sensors[ev.SensorID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, ev.SensorID)
	}
	s.events[ev.ID] = ev
	return nil
}

// AddEventTimestamp records an occurrence of a process event and returns
// its id.
func (s *Store) AddEventTimestamp(eventID int64, ts time.Time, important bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownEvent, eventID)
	}
	s.nextTSID++
	s.timestamps = append(s.timestamps, fetch.EventTimestamp{
		ID:          s.nextTSID,
		EventID:     ev.ID,
		Name:        ev.Name,
		SensorID:    ev.SensorID,
		Ranking:     ev.Ranking,
		Description: ev.Description,
		Timestamp:   ts.UTC(),
		IsImportant: important,
	})
	return s.nextTSID, nil
}

// SetImportant toggles the importance flag of an event occurrence.
func (s *Store) SetImportant(_ context.Context, timestampID int64, important bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.timestamps {
		if s.timestamps[i].ID == timestampID {
			s.timestamps[i].IsImportant = important
			return nil
		}
	}
	return fmt.Errorf("%w: timestamp %d", ErrUnknownEvent, timestampID)
}

// selectedEvents returns the first limit event ids in ascending order.
// Caller holds s.mu.
func (s *Store) selectedEvents(limit int) map[int64]struct{} {
	ids := make([]int64, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit < len(ids) {
		ids = ids[:limit]
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// eligible returns the sensor ids selected by limit. Caller holds s.mu.
func (s *Store) eligible(limit int) map[int64]struct{} {
	out := make(map[int64]struct{})
	for id := range s.selectedEvents(limit) {
		out[s.events[id].SensorID] = struct{}{}
	}
	return out
}

func (s *Store) EligibleSensors(ctx context.Context, limit int) ([]fetch.Sensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.eligible(limit)
	out := make([]fetch.Sensor, 0, len(ids))
	for id := range ids {
		out = append(out, s.sensors[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RawWindowRows(ctx context.Context, start, end time.Time) ([]fetch.RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo := sort.Search(len(s.readings), func(i int) bool { return !s.readings[i].Timestamp.Before(start) })
	hi := sort.Search(len(s.readings), func(i int) bool { return !s.readings[i].Timestamp.Before(end) })
	if hi <= lo {
		return nil, nil
	}
	return append([]fetch.RawRow(nil), s.readings[lo:hi]...), nil
}

func (s *Store) SensorMinMax(ctx context.Context, sensorID int64) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	min, max, ok := normalize.ObservedRange(s.values[sensorID])
	if !ok {
		return 0, 0, fmt.Errorf("%w: no readings for sensor %d", fetch.ErrNoData, sensorID)
	}
	return min, max, nil
}

func (s *Store) WindowEvents(ctx context.Context, start, end time.Time, limit int) ([]fetch.EventTimestamp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	selected := s.selectedEvents(limit)
	var out []fetch.EventTimestamp
	for _, ts := range s.timestamps {
		if _, ok := selected[ts.EventID]; !ok {
			continue
		}
		if ts.Timestamp.Before(start) || !ts.Timestamp.Before(end) {
			continue
		}
		out = append(out, ts)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) FirstAvailableTimestamp(ctx context.Context, limit int) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.eligible(limit)
	for _, r := range s.readings {
		if _, ok := ids[r.SensorID]; ok {
			return r.Timestamp, nil
		}
	}
	return time.Time{}, fetch.ErrNoData
}
