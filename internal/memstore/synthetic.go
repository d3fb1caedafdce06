package memstore

import (
	"math"
	"time"

	"github.com/banshee-data/sensor.replay/internal/fetch"
)

// Synthetic returns a deterministic dataset for dev mode: two groups, four
// sensors sampled once per second for samples seconds from start, and four
// process events, two of which recur.
func Synthetic(start time.Time, samples int) *Store {
	s := New()
	s.AddSensor(1, "boiler_temp", "boiler")
	s.AddSensor(2, "boiler_pressure", "boiler")
	s.AddSensor(3, "pump_speed", "pump")
	s.AddSensor(4, "pump_mode", "pump")

	for i := 0; i < samples; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		phase := float64(i) / 30
		_ = s.AddReading(1, ts, 80+10*math.Sin(phase))
		_ = s.AddReading(2, ts, 2.5+0.4*math.Cos(phase))
		_ = s.AddReading(3, ts, 1200+float64(i%60)*5)
		_ = s.AddReading(4, ts, float64((i/45)%3))
	}

	_ = s.AddEvent(fetch.ProcessEvent{ID: 1, Name: "overheat", SensorID: 1, Ranking: 1, Description: "boiler temperature above band"})
	_ = s.AddEvent(fetch.ProcessEvent{ID: 2, Name: "pump_cycle", SensorID: 3, Ranking: 2})
	_ = s.AddEvent(fetch.ProcessEvent{ID: 3, Name: "pressure_drop", SensorID: 2, Ranking: 3})
	_ = s.AddEvent(fetch.ProcessEvent{ID: 4, Name: "mode_switch", SensorID: 4, Ranking: 4})

	for i := 0; i < samples; i += 90 {
		ts := start.Add(time.Duration(i) * time.Second)
		_, _ = s.AddEventTimestamp(1, ts, i%180 == 0)
		_, _ = s.AddEventTimestamp(2, ts.Add(15*time.Second), false)
	}
	return s
}
