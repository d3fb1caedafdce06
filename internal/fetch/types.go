package fetch

import (
	"context"
	"time"
)

// Sensor is a sensor eligible for streaming together with its group.
type Sensor struct {
	ID    int64
	Name  string
	Group string
}

// RawRow is one stored reading before normalization.
type RawRow struct {
	SensorID  int64
	Timestamp time.Time
	Value     float64
}

// ProcessEvent is a named process event attached to one sensor.
type ProcessEvent struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	SensorID    int64  `json:"sensor_id"`
	Ranking     int    `json:"ranking"`
	Description string `json:"description,omitempty"`
}

// EventTimestamp is one occurrence of a process event.
type EventTimestamp struct {
	ID          int64     `json:"id"`
	EventID     int64     `json:"event_id"`
	Name        string    `json:"name"`
	SensorID    int64     `json:"sensor_id"`
	Ranking     int       `json:"ranking"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	IsImportant bool      `json:"is_important"`
}

// Reading is a stored reading enriched with its normalized value and the
// vertical interval of its group for the window it was fetched in.
type Reading struct {
	SensorID   int64     `json:"sensor_id"`
	SensorName string    `json:"sensor_name"`
	Group      string    `json:"group_name"`
	Timestamp  time.Time `json:"timestamp"`
	Raw        float64   `json:"raw_value"`
	Normalized float64   `json:"normalized_value"`
	Scaled     float64   `json:"scaled_value"`
	GroupMin   float64   `json:"group_min"`
	GroupMax   float64   `json:"group_max"`
}

// Store is the persistence collaborator consulted by the Fetcher.
//
// Eligibility is the same rule everywhere a limit is passed: only sensors
// attached to the first limit distinct process-event ids, by ascending id,
// are considered.
type Store interface {
	// EligibleSensors returns the sensors selected by limit.
	EligibleSensors(ctx context.Context, limit int) ([]Sensor, error)
	// RawWindowRows returns every stored row, for any sensor, with
	// start <= timestamp < end.
	RawWindowRows(ctx context.Context, start, end time.Time) ([]RawRow, error)
	// SensorMinMax returns the all-time observed range of one sensor.
	SensorMinMax(ctx context.Context, sensorID int64) (min, max float64, err error)
	// WindowEvents returns occurrences of the events selected by limit with
	// start <= timestamp < end.
	WindowEvents(ctx context.Context, start, end time.Time, limit int) ([]EventTimestamp, error)
	// FirstAvailableTimestamp returns the earliest reading among the
	// sensors selected by limit, or ErrNoData.
	FirstAvailableTimestamp(ctx context.Context, limit int) (time.Time, error)
}

// ImportanceStore toggles the importance flag of an event occurrence. It
// returns an error matching ErrNotFound for unknown ids.
type ImportanceStore interface {
	SetImportant(ctx context.Context, timestampID int64, important bool) error
}
