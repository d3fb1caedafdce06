package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sensor.replay/internal/config"
	"github.com/banshee-data/sensor.replay/internal/httputil"
	"github.com/banshee-data/sensor.replay/internal/stream"
	"github.com/banshee-data/sensor.replay/internal/version"
	"github.com/banshee-data/sensor.replay/internal/window"
)

// sessionCommand runs do against the session named in the path and
// answers with the session status.
func (s *Server) sessionCommand(w http.ResponseWriter, r *http.Request, do func(id string) error) {
	id := r.PathValue("id")
	sess, err := s.manager.Session(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := do(id); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sess.Status())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.sessionCommand(w, r, s.manager.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.sessionCommand(w, r, s.manager.Resume)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.sessionCommand(w, r, s.manager.Stop)
}

func (s *Server) rewind(w http.ResponseWriter, r *http.Request) {
	offset := 0.0
	if v := r.URL.Query().Get("offset"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			httputil.BadRequest(w, "invalid 'offset' parameter")
			return
		}
		offset = f
	}
	s.sessionCommand(w, r, func(id string) error {
		return s.manager.Rewind(r.Context(), id, offset)
	})
}

func (s *Server) speed(w http.ResponseWriter, r *http.Request) {
	factor, err := strconv.ParseFloat(r.URL.Query().Get("factor"), 64)
	if err != nil {
		httputil.BadRequest(w, "invalid 'factor' parameter")
		return
	}
	s.sessionCommand(w, r, func(id string) error {
		return s.manager.SetSpeed(id, factor)
	})
}

// setLimit changes the limit of one session, of every session opened
// with a client key, or of all sessions.
func (s *Server) setLimit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return
	}
	scope := stream.LimitScope{SessionID: q.Get("session"), Client: q.Get("client")}
	n, err := s.manager.SetLimit(scope, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]int{"limit": limit, "updated": n})
}

// snapshot answers a one-shot window fetch ending at timestamp, for
// clients reconciling while paused.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	var end time.Time
	if v := q.Get("timestamp"); v != "" {
		t, err := window.Parse(v)
		if err != nil {
			httputil.BadRequest(w, "invalid 'timestamp' parameter")
			return
		}
		end = t
	}
	res, err := s.manager.Snapshot(r.Context(), end, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.manager.Sessions())
}

func (s *Server) setImportant(w http.ResponseWriter, r *http.Request) {
	if s.important == nil {
		httputil.WriteJSONError(w, http.StatusNotImplemented, "importance toggle unavailable")
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid event timestamp id")
		return
	}
	value, err := strconv.ParseBool(r.URL.Query().Get("value"))
	if err != nil {
		httputil.BadRequest(w, "invalid 'value' parameter")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.important.SetImportant(ctx, id, value); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"id": id, "is_important": value})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, struct {
		Stream  *config.StreamConfig `json:"stream"`
		Version version.Info         `json:"version"`
	}{s.cfg, version.Get()})
}
