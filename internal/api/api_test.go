package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensor.replay/internal/config"
	"github.com/banshee-data/sensor.replay/internal/fetch"
	"github.com/banshee-data/sensor.replay/internal/memstore"
	"github.com/banshee-data/sensor.replay/internal/stream"
	"github.com/banshee-data/sensor.replay/internal/testutil"
	"github.com/banshee-data/sensor.replay/internal/timeutil"
	"github.com/banshee-data/sensor.replay/internal/window"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	manager *stream.Manager
	store   *memstore.Store
	clock   *timeutil.MockClock
	mux     *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.WindowDuration = 10 * time.Second
	store := memstore.Synthetic(t0, 600)
	clock := timeutil.NewMockClock(t0.Add(time.Hour))
	m, err := stream.NewManager(cfg.Stream(), fetch.New(store, cfg.WindowDuration), clock)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	s := NewServer(m, store, cfg)
	mux := s.ServeMux()
	s.AttachAdminRoutes(mux)
	return &testEnv{server: s, manager: m, store: store, clock: clock, mux: mux}
}

// openStream connects an SSE client and returns its frame reader and the
// session id announced in the open event.
func (e *testEnv) openStream(t *testing.T, ctx context.Context, query string) (*testutil.FrameReader, string) {
	t.Helper()
	ts := httptest.NewServer(e.mux)
	t.Cleanup(ts.Close)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream"+query, nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	fr := testutil.NewFrameReader(resp.Body)
	f, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, stream.EventOpen, f.Event)

	var open stream.OpenPayload
	require.NoError(t, json.Unmarshal([]byte(f.Data), &open))
	require.NotEmpty(t, open.SessionID)
	return fr, open.SessionID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestStream_OpenTickAndStop(t *testing.T) {
	env := newTestEnv(t)
	fr, id := env.openStream(t, context.Background(), "?limit=2&client=dash")

	sessions := decode[[]stream.Status](t, testutil.Do(env.mux, http.MethodGet, "/api/sessions"))
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.Equal(t, "dash", sessions[0].Client)
	assert.Equal(t, 2, sessions[0].Limit)
	assert.Equal(t, window.Format(t0), sessions[0].WindowStart)

	env.clock.Advance(time.Second)
	f, err := fr.Next()
	require.NoError(t, err)
	assert.Empty(t, f.Event)
	var res fetch.Result
	require.NoError(t, json.Unmarshal([]byte(f.Data), &res))
	require.NotEmpty(t, res.Readings)
	for _, r := range res.Readings {
		assert.Contains(t, []int64{1, 3}, r.SensorID)
		assert.GreaterOrEqual(t, r.Scaled, r.GroupMin)
		assert.LessOrEqual(t, r.Scaled, r.GroupMax)
	}

	rec := testutil.Do(env.mux, http.MethodPost, "/api/stream/"+id+"/stop")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "stopped", decode[stream.Status](t, rec).State)

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.EventClose, f.Event)
	assert.JSONEq(t, `{"reason":"user-initiated"}`, f.Data)

	_, err = fr.Next()
	assert.Error(t, err)
	assert.Equal(t, 0, env.manager.Registry().Len())
}

func TestStream_ClientDisconnectStopsSession(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, id := env.openStream(t, ctx, "")
	sess, err := env.manager.Session(id)
	require.NoError(t, err)

	cancel()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session still running after client disconnect")
	}
	assert.Equal(t, stream.ReasonDisconnect, sess.Status().StopReason)
	assert.Equal(t, 0, env.manager.Registry().Len())
}

func TestStream_RejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"?limit=abc", "?limit=-1", "?limit=1000"} {
		rec := testutil.Do(env.mux, http.MethodGet, "/api/stream"+q)
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	}
	assert.Equal(t, 0, env.manager.Registry().Len())
}

func TestStream_NoDataIsNotFound(t *testing.T) {
	cfg := config.Defaults()
	m, err := stream.NewManager(cfg.Stream(), fetch.New(memstore.New(), cfg.WindowDuration), timeutil.NewMockClock(t0))
	require.NoError(t, err)
	s := NewServer(m, nil, cfg)

	rec := testutil.Do(s.ServeMux(), http.MethodGet, "/api/stream")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestSessionCommands(t *testing.T) {
	env := newTestEnv(t)
	fr, id := env.openStream(t, context.Background(), "")

	rec := testutil.Do(env.mux, http.MethodPost, "/api/stream/"+id+"/pause")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "paused", decode[stream.Status](t, rec).State)

	rec = testutil.Do(env.mux, http.MethodPost, "/api/stream/"+id+"/resume")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "active", decode[stream.Status](t, rec).State)

	rec = testutil.Do(env.mux, http.MethodPost, "/api/stream/"+id+"/speed?factor=2")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.InDelta(t, 2.0, decode[stream.Status](t, rec).Speed, 1e-9)

	rec = testutil.Do(env.mux, http.MethodPost, "/api/stream/"+id+"/rewind?offset=30")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	f, err := fr.Next()
	require.NoError(t, err)
	require.Equal(t, stream.EventRewind, f.Event)
	var rw stream.RewindPayload
	require.NoError(t, json.Unmarshal([]byte(f.Data), &rw))
	assert.Equal(t, window.Format(t0.Add(30*time.Second)), rw.TargetTime)
	assert.Equal(t, window.Format(t0), rw.OriginalStartTime)
	assert.InDelta(t, 30.0, rw.OffsetSeconds, 1e-9)
}

func TestSessionCommands_Errors(t *testing.T) {
	env := newTestEnv(t)
	_, id := env.openStream(t, context.Background(), "")

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"unknown pause", "/api/stream/nope/pause", http.StatusNotFound},
		{"unknown rewind", "/api/stream/nope/rewind", http.StatusNotFound},
		{"negative rewind", "/api/stream/" + id + "/rewind?offset=-5", http.StatusBadRequest},
		{"bad rewind", "/api/stream/" + id + "/rewind?offset=soon", http.StatusBadRequest},
		{"missing factor", "/api/stream/" + id + "/speed", http.StatusBadRequest},
		{"zero factor", "/api/stream/" + id + "/speed?factor=0", http.StatusBadRequest},
		{"fast factor", "/api/stream/" + id + "/speed?factor=1000", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Do(env.mux, http.MethodPost, tt.target)
			testutil.AssertStatusCode(t, rec.Code, tt.want)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	rec := testutil.Do(env.mux, http.MethodGet, "/api/stream/"+id+"/pause")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestSetLimit(t *testing.T) {
	env := newTestEnv(t)
	fr, id := env.openStream(t, context.Background(), "?client=wall")

	rec := testutil.Do(env.mux, http.MethodPost, "/api/stream/limit?client=wall&limit=3")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, map[string]int{"limit": 3, "updated": 1}, decode[map[string]int](t, rec))

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.EventUpdateLimit, f.Event)
	assert.JSONEq(t, `{"limit":3}`, f.Data)

	rec = testutil.Do(env.mux, http.MethodPost, "/api/stream/limit?client=other&limit=3")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 0, decode[map[string]int](t, rec)["updated"])

	rec = testutil.Do(env.mux, http.MethodPost, "/api/stream/limit?session="+id+"&limit=0")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Do(env.mux, http.MethodPost, "/api/stream/limit?session=nope&limit=2")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	end := t0.Add(20 * time.Second)

	rec := testutil.Do(env.mux, http.MethodGet, "/api/stream/snapshot?limit=4&timestamp="+window.Format(end))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	res := decode[fetch.Result](t, rec)
	require.Len(t, res.Readings, 40)
	assert.Equal(t, t0.Add(10*time.Second), res.Readings[0].Timestamp)
	assert.Equal(t, []string{"boiler_pressure", "boiler_temp"}, res.GroupSensors["boiler"])

	rec = testutil.Do(env.mux, http.MethodGet, "/api/stream/snapshot?timestamp=yesterday")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestSetImportant(t *testing.T) {
	env := newTestEnv(t)

	rec := testutil.Do(env.mux, http.MethodPost, "/api/events/timestamps/2/important?value=true")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	events, err := env.store.WindowEvents(context.Background(), t0, t0.Add(time.Minute), 4)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		if ev.ID == 2 {
			assert.True(t, ev.IsImportant)
		}
	}

	rec = testutil.Do(env.mux, http.MethodPost, "/api/events/timestamps/999/important?value=true")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	rec = testutil.Do(env.mux, http.MethodPost, "/api/events/timestamps/2/important?value=maybe")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	s := NewServer(env.manager, nil, config.Defaults())
	rec = testutil.Do(s.ServeMux(), http.MethodPost, "/api/events/timestamps/2/important?value=true")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotImplemented)
}

func TestShowConfig(t *testing.T) {
	env := newTestEnv(t)
	rec := testutil.Do(env.mux, http.MethodGet, "/api/config")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var body struct {
		Stream  map[string]any `json:"stream"`
		Version map[string]any `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "10s", body.Stream["window_duration"])
	assert.Contains(t, body.Version, "version")
}

func TestAdminRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := testutil.Do(env.mux, http.MethodGet, "/debug/window-chart?limit=4&timestamp="+window.Format(t0.Add(30*time.Second)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
	assert.Contains(t, rec.Body.String(), "boiler_temp")
	assert.Contains(t, rec.Body.String(), "pump_mode")

	rec = testutil.Do(env.mux, http.MethodGet, "/debug/window-plot?timestamp="+window.Format(t0.Add(30*time.Second)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))

	rec = testutil.Do(env.mux, http.MethodGet, "/debug/window-chart")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.Do(env.mux, http.MethodGet, "/debug/sessions")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.Do(env.mux, http.MethodGet, "/metrics")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "replay_sessions_opened_total")
}

func TestEncodeFrame(t *testing.T) {
	frame, err := encodeFrame(stream.Event{Name: stream.EventClose, Data: stream.ClosePayload{}})
	require.NoError(t, err)
	assert.Equal(t, "event: close\ndata: {}\n\n", string(frame))

	frame, err = encodeFrame(stream.Event{Data: stream.LimitPayload{Limit: 2}})
	require.NoError(t, err)
	assert.Equal(t, "data: {\"limit\":2}\n\n", string(frame))
}

func TestSSESink_FullQueueFails(t *testing.T) {
	sink := newSSESink(1)
	require.NoError(t, sink.Send(stream.Event{Data: 1}))
	assert.ErrorIs(t, sink.Send(stream.Event{Data: 2}), errSlowClient)
	sink.close()
	<-sink.frames
	assert.ErrorIs(t, sink.Send(stream.Event{Data: 3}), errClientGone)
}
