package testutil

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrames(t *testing.T) {
	body := ": ping\n\n" +
		"event: open\ndata: {\"sessionId\":\"x\"}\n\n" +
		"data: {\"sensorData\":[]}\n\n" +
		"event: close\ndata: {}\n\n"

	got := ParseFrames(body)
	want := []Frame{
		{Event: "open", Data: `{"sessionId":"x"}`},
		{Data: `{"sensorData":[]}`},
		{Event: "close", Data: "{}"},
	}
	assert.Equal(t, want, got)
}

func TestFrameReader_MultilineAndTruncation(t *testing.T) {
	fr := NewFrameReader(strings.NewReader("data: a\ndata: b\n\ndata: partial\n"))

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "a\nb", f.Data)

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDo(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "127.0.0.1:12345", r.RemoteAddr)
		w.WriteHeader(http.StatusAccepted)
	})
	rec := Do(h, http.MethodPost, "/x")
	AssertStatusCode(t, rec.Code, http.StatusAccepted)
}
