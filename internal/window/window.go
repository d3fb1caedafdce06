// Package window implements the sliding window clock used by stream sessions.
//
// A window is a half-open interval [Start, End). Advancing moves Start forward
// by an increment and recomputes End from the window width, so the width never
// drifts no matter how many times a window is advanced.
package window

import (
	"fmt"
	"time"
)

// Layout is the boundary format used for every range query. It is fixed
// width, always UTC and millisecond precise, so lexicographic comparison of
// two formatted boundaries matches their temporal order.
const Layout = "2006-01-02T15:04:05.000Z"

// State is the current position of a sliding window.
type State struct {
	Start time.Time
	End   time.Time
}

// New returns a window of the given width starting at start.
func New(start time.Time, duration time.Duration) State {
	start = start.UTC()
	return State{Start: start, End: start.Add(duration)}
}

// Width returns End - Start.
func (s State) Width() time.Duration {
	return s.End.Sub(s.Start)
}

// IsZero reports whether the window has never been set.
func (s State) IsZero() bool {
	return s.Start.IsZero() && s.End.IsZero()
}

func (s State) String() string {
	return fmt.Sprintf("[%s, %s)", Format(s.Start), Format(s.End))
}

// Advance shifts the window forward by inc. End is recomputed from the new
// Start and the existing width rather than being shifted independently.
func Advance(s State, inc time.Duration) State {
	width := s.Width()
	start := s.Start.Add(inc)
	return State{Start: start, End: start.Add(width)}
}

// Jump places a window of the given width at target. Targets earlier than
// floor are clamped to floor.
func Jump(target time.Time, duration time.Duration, floor time.Time) State {
	if target.Before(floor) {
		target = floor
	}
	return New(target, duration)
}

// Format renders t in Layout.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a boundary written in Layout, or any RFC 3339 timestamp, and
// returns it in UTC.
func Parse(s string) (time.Time, error) {
	if t, err := time.Parse(Layout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
