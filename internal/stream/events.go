package stream

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidParameter rejects a malformed command. The session is left
	// untouched.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrSessionNotFound rejects a command for an unknown or expired
	// session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionStopped is returned by commands sent to a session that has
	// already stopped. It matches ErrSessionNotFound.
	ErrSessionStopped = fmt.Errorf("%w: session stopped", ErrSessionNotFound)
)

// Push event names. The window update is sent as an unnamed event.
const (
	EventUpdate      = ""
	EventOpen        = "open"
	EventRewind      = "rewind"
	EventClose       = "close"
	EventUpdateLimit = "update-limit"
)

// Stop reasons.
const (
	ReasonExhausted  = "exhausted"
	ReasonUser       = "user-initiated"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

// Event is one message pushed to a stream client.
type Event struct {
	Name string
	Data any
}

// Sink delivers events to a single client connection. Send is only called
// while the owning session holds its lock, so implementations see events
// one at a time and in order.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Send calls f(ev).
func (f SinkFunc) Send(ev Event) error { return f(ev) }

// OpenPayload is pushed once when a session starts.
type OpenPayload struct {
	SessionID   string `json:"sessionId"`
	Limit       int    `json:"limit"`
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`
}

// RewindPayload tells the client to drop what it has accumulated: the
// updates that follow restart from TargetTime.
type RewindPayload struct {
	OriginalStartTime string  `json:"originalStartTime"`
	TargetTime        string  `json:"targetTime"`
	OffsetSeconds     float64 `json:"offsetSeconds"`
}

// ClosePayload is the last event of every session that did not end with a
// disconnect. Reason is empty when the data ran out.
type ClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// LimitPayload announces a limit change.
type LimitPayload struct {
	Limit int `json:"limit"`
}

func closeEvent(reason string) Event {
	if reason == ReasonExhausted {
		reason = ""
	}
	return Event{Name: EventClose, Data: ClosePayload{Reason: reason}}
}

// Config is the immutable stream configuration handed to every session.
type Config struct {
	WindowDuration  time.Duration
	WindowIncrement time.Duration
	TickInterval    time.Duration
	DefaultLimit    int
	MaxLimit        int
	MaxSpeed        float64
}

// Validate checks that the configuration can drive a session.
func (c Config) Validate() error {
	switch {
	case c.WindowDuration <= 0:
		return fmt.Errorf("%w: window duration must be positive", ErrInvalidParameter)
	case c.WindowIncrement <= 0:
		return fmt.Errorf("%w: window increment must be positive", ErrInvalidParameter)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidParameter)
	case c.DefaultLimit < 1:
		return fmt.Errorf("%w: default limit must be at least 1", ErrInvalidParameter)
	case c.MaxLimit < c.DefaultLimit:
		return fmt.Errorf("%w: max limit %d below default limit %d", ErrInvalidParameter, c.MaxLimit, c.DefaultLimit)
	case c.MaxSpeed < 1:
		return fmt.Errorf("%w: max speed must be at least 1", ErrInvalidParameter)
	}
	return nil
}

func (c Config) checkLimit(limit int) error {
	if limit < 1 || (c.MaxLimit > 0 && limit > c.MaxLimit) {
		return fmt.Errorf("%w: limit %d outside [1, %d]", ErrInvalidParameter, limit, c.MaxLimit)
	}
	return nil
}
