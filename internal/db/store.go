package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/window"
)

// ErrNoReadings is returned by SensorMinMax for a sensor that has never
// reported.
var ErrNoReadings = fmt.Errorf("%w: sensor has no readings", fetch.ErrNoData)

var _ fetch.Store = (*DB)(nil)
var _ fetch.ImportanceStore = (*DB)(nil)

// selectedEventsSQL picks the first N process events by ascending id. It is
// the single definition of the limit rule shared by every query below.
const selectedEventsSQL = `SELECT event_id, sensor_id FROM process_events ORDER BY event_id LIMIT ?`

// EligibleSensors returns the sensors attached to the first limit events.
func (db *DB) EligibleSensors(ctx context.Context, limit int) ([]fetch.Sensor, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT s.sensor_id, s.sensor_name, s.group_name
		FROM sensors s
		JOIN (`+selectedEventsSQL+`) sel ON sel.sensor_id = s.sensor_id
		ORDER BY s.sensor_id`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fetch.Sensor
	for rows.Next() {
		var s fetch.Sensor
		if err := rows.Scan(&s.ID, &s.Name, &s.Group); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RawWindowRows returns every reading with start <= ts < end, ordered by
// timestamp then sensor.
func (db *DB) RawWindowRows(ctx context.Context, start, end time.Time) ([]fetch.RawRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sensor_id, ts, value
		FROM readings
		WHERE ts >= ? AND ts < ?
		ORDER BY ts, sensor_id`, window.Format(start), window.Format(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fetch.RawRow
	for rows.Next() {
		var (
			r  fetch.RawRow
			ts string
		)
		if err := rows.Scan(&r.SensorID, &ts, &r.Value); err != nil {
			return nil, err
		}
		if r.Timestamp, err = window.Parse(ts); err != nil {
			return nil, fmt.Errorf("reading of sensor %d: %w", r.SensorID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SensorMinMax returns the all-time observed range of one sensor.
func (db *DB) SensorMinMax(ctx context.Context, sensorID int64) (float64, float64, error) {
	var min, max float64
	err := db.QueryRowContext(ctx,
		`SELECT min_value, max_value FROM sensor_ranges WHERE sensor_id = ?`, sensorID,
	).Scan(&min, &max)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("%w: sensor %d", ErrNoReadings, sensorID)
	}
	if err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

// WindowEvents returns the occurrences of the first limit events with
// start <= ts < end.
func (db *DB) WindowEvents(ctx context.Context, start, end time.Time, limit int) ([]fetch.EventTimestamp, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.timestamp_id, t.event_id, e.event_name, e.sensor_id, e.ranking,
		       e.description, t.ts, t.is_important
		FROM event_timestamps t
		JOIN (`+selectedEventsSQL+`) sel ON sel.event_id = t.event_id
		JOIN process_events e ON e.event_id = t.event_id
		WHERE t.ts >= ? AND t.ts < ?
		ORDER BY t.ts, t.timestamp_id`, limit, window.Format(start), window.Format(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fetch.EventTimestamp
	for rows.Next() {
		var (
			ev fetch.EventTimestamp
			ts string
		)
		if err := rows.Scan(&ev.ID, &ev.EventID, &ev.Name, &ev.SensorID, &ev.Ranking,
			&ev.Description, &ts, &ev.IsImportant); err != nil {
			return nil, err
		}
		if ev.Timestamp, err = window.Parse(ts); err != nil {
			return nil, fmt.Errorf("event timestamp %d: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// FirstAvailableTimestamp returns the earliest reading among the sensors
// attached to the first limit events.
func (db *DB) FirstAvailableTimestamp(ctx context.Context, limit int) (time.Time, error) {
	var ts sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT MIN(r.ts)
		FROM readings r
		WHERE r.sensor_id IN (SELECT sensor_id FROM (`+selectedEventsSQL+`))`, limit,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, err
	}
	if !ts.Valid {
		return time.Time{}, fetch.ErrNoData
	}
	return window.Parse(ts.String)
}

// InsertSensor adds or replaces a sensor.
func (db *DB) InsertSensor(ctx context.Context, s fetch.Sensor) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sensors (sensor_id, sensor_name, group_name) VALUES (?, ?, ?)`,
		s.ID, s.Name, s.Group)
	return err
}

// InsertReadings stores rows in one transaction.
func (db *DB) InsertReadings(ctx context.Context, rows []fetch.RawRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings (sensor_id, ts, value) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.SensorID, window.Format(r.Timestamp), r.Value); err != nil {
			return fmt.Errorf("insert reading for sensor %d: %w", r.SensorID, err)
		}
	}
	return tx.Commit()
}

// InsertProcessEvent adds or replaces a process event.
func (db *DB) InsertProcessEvent(ctx context.Context, ev fetch.ProcessEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO process_events (event_id, event_name, sensor_id, ranking, description)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, ev.SensorID, ev.Ranking, ev.Description)
	return err
}

// InsertEventTimestamp records one occurrence of a process event and
// returns its id.
func (db *DB) InsertEventTimestamp(ctx context.Context, eventID int64, ts time.Time, important bool) (int64, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO event_timestamps (event_id, ts, is_important) VALUES (?, ?, ?)`,
		eventID, window.Format(ts), important)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetImportant toggles the importance flag of an event occurrence.
func (db *DB) SetImportant(ctx context.Context, timestampID int64, important bool) error {
	res, err := db.ExecContext(ctx,
		`UPDATE event_timestamps SET is_important = ? WHERE timestamp_id = ?`, important, timestampID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: event timestamp %d", fetch.ErrNotFound, timestampID)
	}
	return nil
}
