// Package testutil provides shared test helpers for HTTP handlers and
// server-sent event streams.
package testutil

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// Do serves one request against h, as if from localhost, and returns the
// recorded response.
func Do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// Frame is one server-sent event. Event is empty for unnamed messages.
type Frame struct {
	Event string
	Data  string
}

// FrameReader reads server-sent events from a stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader returns a reader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next event, skipping comment-only blocks. It returns
// io.EOF when the stream ends cleanly between events and
// io.ErrUnexpectedEOF when it ends inside one.
func (fr *FrameReader) Next() (Frame, error) {
	var (
		f       Frame
		hasData bool
		data    []string
	)
	for {
		line, err := fr.r.ReadString('\n')
		if err == io.EOF {
			if hasData || line != "" {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, io.EOF
		}
		if err != nil {
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if hasData {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			f = Frame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			f.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			hasData = true
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// ParseFrames parses a complete event stream body.
func ParseFrames(body string) []Frame {
	fr := NewFrameReader(strings.NewReader(body))
	var out []Frame
	for {
		f, err := fr.Next()
		if err != nil {
			return out
		}
		out = append(out, f)
	}
}
