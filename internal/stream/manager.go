package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/monitoring"
	"github.com/banshee-data/sensor.replay/internal/timeutil"
	"github.com/banshee-data/sensor.replay/internal/window"
)

var logf = monitoring.Component("stream")

// Manager opens sessions and routes commands to them by token.
type Manager struct {
	cfg      Config
	fetcher  *fetch.Fetcher
	registry *Registry
	clock    timeutil.Clock
	newID    func() string
}

// NewManager returns a Manager. A nil clock selects the real clock.
func NewManager(cfg Config, fetcher *fetch.Fetcher, clock timeutil.Clock) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Manager{
		cfg:      cfg,
		fetcher:  fetcher,
		registry: NewRegistry(),
		clock:    clock,
		newID:    uuid.NewString,
	}, nil
}

// Config returns the stream configuration.
func (m *Manager) Config() Config { return m.cfg }

// Registry returns the live session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// OpenRequest describes a new stream.
type OpenRequest struct {
	// Limit is the number of process events whose sensors are streamed.
	// Zero selects the configured default.
	Limit int
	// Client is an optional caller key used to scope broadcasts.
	Client string
	Sink   Sink
}

// Open starts a session positioned at the first timestamp available for
// the requested limit. The session pushes an open event before Open
// returns and ticks until it is stopped or the data runs out.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.Sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidParameter)
	}
	limit := req.Limit
	if limit == 0 {
		limit = m.cfg.DefaultLimit
	}
	if err := m.cfg.checkLimit(limit); err != nil {
		return nil, err
	}

	first, err := m.fetcher.FirstAvailable(ctx, limit)
	if err != nil {
		return nil, err
	}

	s := newSession(sessionParams{
		id:      m.newID(),
		client:  req.Client,
		cfg:     m.cfg,
		fetcher: m.fetcher,
		sink:    req.Sink,
		clock:   m.clock,
		limit:   limit,
		start:   first,
		onStop:  m.registry.remove,
	})
	if err := m.registry.Register(s); err != nil {
		s.ticker.Stop()
		s.cancel()
		return nil, err
	}
	monitoring.SessionsOpened.Inc()
	logf("opened %s client=%q limit=%d start=%s", s.id, s.client, limit, window.Format(first))

	s.mu.Lock()
	ok := s.pushLocked(Event{Name: EventOpen, Data: OpenPayload{
		SessionID:   s.id,
		Limit:       limit,
		WindowStart: window.Format(s.win.Start),
		WindowEnd:   window.Format(s.win.End),
	}})
	stopped := false
	if !ok {
		stopped = s.stopLocked(ReasonDisconnect)
	}
	s.mu.Unlock()
	if stopped {
		s.finish()
		return s, nil
	}

	go s.run()
	return s, nil
}

// Session returns the live session with the given token.
func (m *Manager) Session(id string) (*Session, error) {
	s, ok := m.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Pause pauses session id.
func (m *Manager) Pause(id string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	return s.Pause()
}

// Resume resumes session id.
func (m *Manager) Resume(id string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	return s.Resume()
}

// Stop stops session id at the client's request.
func (m *Manager) Stop(id string) error {
	if !m.registry.Unregister(id, ReasonUser) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// Rewind rewinds session id.
func (m *Manager) Rewind(ctx context.Context, id string, offsetSeconds float64) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	return s.Rewind(ctx, offsetSeconds)
}

// SetSpeed changes the tick rate of session id.
func (m *Manager) SetSpeed(id string, factor float64) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	return s.SetSpeed(factor)
}

// LimitScope selects the sessions a limit change applies to. An empty
// scope applies to every live session.
type LimitScope struct {
	SessionID string
	Client    string
}

// SetLimit applies limit to the sessions in scope and returns how many
// were updated. Naming an unknown session is an error; a client key that
// matches nothing is not.
func (m *Manager) SetLimit(scope LimitScope, limit int) (int, error) {
	if err := m.cfg.checkLimit(limit); err != nil {
		return 0, err
	}
	var pred func(*Session) bool
	switch {
	case scope.SessionID != "":
		if _, err := m.Session(scope.SessionID); err != nil {
			return 0, err
		}
		pred = ByID(scope.SessionID)
	case scope.Client != "":
		pred = ByClient(scope.Client)
	}
	updated := 0
	m.registry.Broadcast(pred, func(s *Session) {
		if s.SetLimit(limit) == nil {
			updated++
		}
	})
	return updated, nil
}

// Snapshot returns the window of configured width ending at end without
// opening a session. A zero end means the clock's current time.
func (m *Manager) Snapshot(ctx context.Context, end time.Time, limit int) (*fetch.Result, error) {
	if limit == 0 {
		limit = m.cfg.DefaultLimit
	}
	if err := m.cfg.checkLimit(limit); err != nil {
		return nil, err
	}
	if end.IsZero() {
		end = m.clock.Now()
	}
	return m.fetcher.Snapshot(ctx, end, limit)
}

// Sessions returns the status of every live session.
func (m *Manager) Sessions() []Status {
	list := m.registry.List()
	out := make([]Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	return out
}

// Shutdown stops every live session and waits for them to finish or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.registry.List()
	m.registry.StopAll(ReasonShutdown)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logf("shutdown stopped %d sessions", len(sessions))
	return nil
}
