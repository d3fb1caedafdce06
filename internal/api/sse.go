package api

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/banshee-data/sensor.replay/internal/httputil"
	"github.com/banshee-data/sensor.replay/internal/stream"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 10 * time.Second

var (
	errSlowClient = errors.New("client is not keeping up")
	errClientGone = errors.New("client connection closed")
)

// sseSink queues encoded frames for the connection handler. Send never
// blocks: a full queue means the client has stalled and the session is
// dropped.
type sseSink struct {
	frames chan []byte

	mu     sync.Mutex
	closed bool
}

func newSSESink(buffer int) *sseSink {
	if buffer < 1 {
		buffer = 1
	}
	return &sseSink{frames: make(chan []byte, buffer)}
}

func (s *sseSink) Send(ev stream.Event) error {
	frame, err := encodeFrame(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClientGone
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return errSlowClient
	}
}

func (s *sseSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// encodeFrame renders ev in text/event-stream format. Unnamed events are
// delivered as default messages.
func encodeFrame(ev stream.Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if ev.Name != "" {
		buf.WriteString("event: ")
		buf.WriteString(ev.Name)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

// openStream opens a session and relays its events until the session
// stops or the client goes away.
func (s *Server) openStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

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

	sink := newSSESink(s.cfg.SendBuffer)
	defer sink.close()
	sess, err := s.manager.Open(r.Context(), stream.OpenRequest{
		Limit:  limit,
		Client: q.Get("client"),
		Sink:   sink,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	rc := http.NewResponseController(w)
	write := func(frame []byte) bool {
		_ = rc.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := w.Write(frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case frame := <-sink.frames:
			if !write(frame) {
				sess.Stop(stream.ReasonDisconnect)
				return
			}
		case <-sess.Done():
			// Deliver whatever the session queued before stopping,
			// including its close event.
			for {
				select {
				case frame := <-sink.frames:
					if !write(frame) {
						return
					}
				default:
					return
				}
			}
		case <-r.Context().Done():
			sess.Stop(stream.ReasonDisconnect)
			return
		}
	}
}
