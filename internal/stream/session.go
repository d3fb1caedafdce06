package stream

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/monitoring"
	"github.com/banshee-data/sensor.replay/internal/timeutil"
	"github.com/banshee-data/sensor.replay/internal/window"
)

// State is the lifecycle state of a session.
type State int

const (
	Active State = iota
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// minInterval bounds the tick period at high speed factors.
const minInterval = time.Millisecond

// Session replays the dataset to one client. A cadence loop advances a
// fixed-width window on every tick and pushes the fetched readings to the
// session's Sink. All mutable state is guarded by mu; fetches run without
// the lock and their results are dropped if the session was stopped or
// rewound in the meantime.
type Session struct {
	id       string
	client   string
	cfg      Config
	fetcher  *fetch.Fetcher
	sink     Sink
	clock    timeutil.Clock
	ticker   timeutil.Ticker
	logf     monitoring.LogFunc
	openedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	onStop func(*Session)

	mu            sync.Mutex
	state         State
	limit         int
	speed         float64
	win           window.State
	lastDelivered window.State
	catchUp       bool
	generation    uint64
	pushed        int
	reason        string
}

type sessionParams struct {
	id      string
	client  string
	cfg     Config
	fetcher *fetch.Fetcher
	sink    Sink
	clock   timeutil.Clock
	limit   int
	start   time.Time
	onStop  func(*Session)
}

func newSession(p sessionParams) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       p.id,
		client:   p.client,
		cfg:      p.cfg,
		fetcher:  p.fetcher,
		sink:     p.sink,
		clock:    p.clock,
		logf:     monitoring.Component("stream " + shortID(p.id)),
		openedAt: p.clock.Now(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		onStop:   p.onStop,
		state:    Active,
		limit:    p.limit,
		speed:    1,
		win:      window.New(p.start, p.cfg.WindowDuration),
	}
	s.ticker = p.clock.NewTicker(s.interval())
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ID returns the session token.
func (s *Session) ID() string { return s.id }

// Client returns the client key the session was opened with.
func (s *Session) Client() string { return s.client }

// Done is closed once the session has stopped, left the registry and
// handed its close event, if any, to the sink.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status is a point-in-time view of a session.
type Status struct {
	ID          string    `json:"id"`
	Client      string    `json:"client,omitempty"`
	State       string    `json:"state"`
	Limit       int       `json:"limit"`
	Speed       float64   `json:"speed"`
	WindowStart string    `json:"windowStart"`
	WindowEnd   string    `json:"windowEnd"`
	Pushed      int       `json:"pushed"`
	OpenedAt    time.Time `json:"openedAt"`
	StopReason  string    `json:"stopReason,omitempty"`
}

// Status returns the current session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		ID:          s.id,
		Client:      s.client,
		State:       s.state.String(),
		Limit:       s.limit,
		Speed:       s.speed,
		WindowStart: window.Format(s.win.Start),
		WindowEnd:   window.Format(s.win.End),
		Pushed:      s.pushed,
		OpenedAt:    s.openedAt,
		StopReason:  s.reason,
	}
}

// Window returns the window the next tick will fetch.
func (s *Session) Window() window.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.win
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Limit returns the current sensor-event limit.
func (s *Session) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

func (s *Session) interval() time.Duration {
	d := time.Duration(float64(s.cfg.TickInterval) / s.speed)
	if d < minInterval {
		d = minInterval
	}
	return d
}

// run is the cadence loop. It exits when the session stops.
func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C():
			s.tick()
		}
	}
}

// tick performs one cadence step: fetch the current window, push it and
// advance. While paused it does nothing. The first tick after a resume
// re-sends the last delivered window instead of advancing.
func (s *Session) tick() {
	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return
	case Paused:
		s.mu.Unlock()
		monitoring.Ticks.WithLabelValues("paused").Inc()
		return
	}
	gen := s.generation
	limit := s.limit
	catchUp := s.catchUp
	target := s.win
	if catchUp {
		target = s.lastDelivered
	}
	s.mu.Unlock()

	var (
		res *fetch.Result
		err error
	)
	if catchUp {
		res, err = s.fetcher.Snapshot(s.ctx, target.End, limit)
	} else {
		res, err = s.fetcher.Fetch(s.ctx, target.Start, target.End, limit)
	}

	s.mu.Lock()
	stopped := s.applyLocked(gen, catchUp, target, res, err)
	s.mu.Unlock()
	if stopped {
		s.finish()
	}
}

// applyLocked handles a fetch result. It reports whether the session
// stopped as a consequence.
func (s *Session) applyLocked(gen uint64, catchUp bool, target window.State, res *fetch.Result, err error) bool {
	if s.state == Stopped {
		return false
	}
	if gen != s.generation {
		monitoring.Ticks.WithLabelValues("superseded").Inc()
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		monitoring.Ticks.WithLabelValues("failed").Inc()
		s.logf("fetch %s failed: %v", target, err)
		return false
	}
	if s.state == Paused {
		// Paused while the fetch was in flight; resume catches up.
		monitoring.Ticks.WithLabelValues("paused").Inc()
		return false
	}

	if catchUp {
		s.catchUp = false
		monitoring.Ticks.WithLabelValues("catch_up").Inc()
		if res.Stop {
			return false
		}
		if !s.pushLocked(Event{Name: EventUpdate, Data: res}) {
			return s.stopLocked(ReasonDisconnect)
		}
		return false
	}

	if res.Stop {
		monitoring.Ticks.WithLabelValues("exhausted").Inc()
		s.logf("no readings after %s, closing", window.Format(target.Start))
		return s.stopLocked(ReasonExhausted)
	}
	if !s.pushLocked(Event{Name: EventUpdate, Data: res}) {
		return s.stopLocked(ReasonDisconnect)
	}
	monitoring.Ticks.WithLabelValues("pushed").Inc()
	s.lastDelivered = target
	s.win = window.Advance(s.win, s.cfg.WindowIncrement)
	return false
}

// pushLocked sends ev to the sink. A failed send means the client is gone.
func (s *Session) pushLocked(ev Event) bool {
	if err := s.sink.Send(ev); err != nil {
		s.logf("push %q: %v", ev.Name, err)
		return false
	}
	s.pushed++
	name := ev.Name
	if name == EventUpdate {
		name = "update"
	}
	monitoring.PushedEvents.WithLabelValues(name).Inc()
	return true
}

// Pause freezes the window. Pausing a paused session is a no-op.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return ErrSessionStopped
	}
	s.state = Paused
	return nil
}

// Resume restarts the cadence. The next tick re-sends the last delivered
// window so the client can catch up before the window advances again.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Stopped:
		return ErrSessionStopped
	case Paused:
		s.state = Active
		s.catchUp = !s.lastDelivered.IsZero()
	}
	return nil
}

// SetLimit changes the number of events whose sensors are streamed. The
// new value applies from the next tick.
func (s *Session) SetLimit(limit int) error {
	if err := s.cfg.checkLimit(limit); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	s.limit = limit
	stopped := false
	if !s.pushLocked(Event{Name: EventUpdateLimit, Data: LimitPayload{Limit: limit}}) {
		stopped = s.stopLocked(ReasonDisconnect)
	}
	s.mu.Unlock()
	if stopped {
		s.finish()
	}
	return nil
}

// SetSpeed scales the tick rate. A factor of 2 ticks twice as often.
func (s *Session) SetSpeed(factor float64) error {
	if math.IsNaN(factor) || factor <= 0 || factor > s.cfg.MaxSpeed {
		return fmt.Errorf("%w: speed %v outside (0, %v]", ErrInvalidParameter, factor, s.cfg.MaxSpeed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return ErrSessionStopped
	}
	s.speed = factor
	s.ticker.Reset(s.interval())
	return nil
}

// Rewind moves the window to offsetSeconds after the first available
// timestamp for the session's limit, no later than the clock's current
// time, and restarts the cadence. Any fetch in flight is discarded. A
// target past the end of the data closes the stream on the next tick.
func (s *Session) Rewind(ctx context.Context, offsetSeconds float64) error {
	if math.IsNaN(offsetSeconds) || math.IsInf(offsetSeconds, 0) || offsetSeconds < 0 {
		return fmt.Errorf("%w: offset %v must be a non-negative number of seconds", ErrInvalidParameter, offsetSeconds)
	}

	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	limit := s.limit
	s.mu.Unlock()

	first, err := s.fetcher.FirstAvailable(ctx, limit)
	if err != nil {
		return err
	}
	target := rewindTarget(first, s.clock.Now(), offsetSeconds)

	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return ErrSessionStopped
	}
	original := s.win.Start
	s.win = window.Jump(target, s.cfg.WindowDuration, first)
	s.generation++
	s.lastDelivered = window.State{}
	s.catchUp = false
	s.ticker.Reset(s.interval())
	s.logf("rewind %s -> %s", window.Format(original), window.Format(s.win.Start))

	stopped := false
	ev := Event{Name: EventRewind, Data: RewindPayload{
		OriginalStartTime: window.Format(original),
		TargetTime:        window.Format(s.win.Start),
		OffsetSeconds:     offsetSeconds,
	}}
	if !s.pushLocked(ev) {
		stopped = s.stopLocked(ReasonDisconnect)
	}
	s.mu.Unlock()
	if stopped {
		s.finish()
	}
	return nil
}

// rewindTarget returns first+offsetSeconds bounded to [first, now]. The
// bound is applied before converting to a Duration so large offsets cannot
// overflow.
func rewindTarget(first, now time.Time, offsetSeconds float64) time.Time {
	span := now.Sub(first)
	if span <= 0 {
		return first
	}
	if offsetSeconds >= span.Seconds() {
		return now
	}
	return first.Add(time.Duration(offsetSeconds * float64(time.Second)))
}

// Stop ends the session. It is idempotent: only the first call has an
// effect. Unless the client disconnected, a close event is pushed before
// Stop returns.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	stopped := s.stopLocked(reason)
	s.mu.Unlock()
	if stopped {
		s.finish()
	}
}

func (s *Session) stopLocked(reason string) bool {
	if s.state == Stopped {
		return false
	}
	s.state = Stopped
	s.reason = reason
	s.cancel()
	s.ticker.Stop()
	if reason != ReasonDisconnect {
		s.pushLocked(closeEvent(reason))
	}
	return true
}

// finish runs once, after the lock is released, for the call that stopped
// the session.
func (s *Session) finish() {
	if s.onStop != nil {
		s.onStop(s)
	}
	close(s.done)
	monitoring.SessionsClosed.WithLabelValues(s.reason).Inc()
	s.logf("stopped (%s) after %d events", s.reason, s.pushed)
}
