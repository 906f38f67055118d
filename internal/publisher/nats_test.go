package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/bus"
	"crowdbus/internal/session"
)

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "bus_42", subjectToken(" bus 42 "))
	assert.Equal(t, "a_b_c_d", subjectToken("a.b>c*d"))
	assert.Equal(t, "_", subjectToken("  "))
}

func TestSubject(t *testing.T) {
	p := newPublisher(nil, "", false, nil)
	assert.Equal(t, "bus.display.DL1PC_1234", p.Subject("DL1PC 1234"))

	p = newPublisher(nil, "tracker.", false, nil)
	assert.Equal(t, "tracker.b1", p.Subject("b1"))
}

func TestFrameMessageJSON(t *testing.T) {
	f := session.Frame{
		BusID:     "b1",
		Source:    bus.SourceEstimated,
		Status:    bus.StatusEstimated,
		Scheduled: true,
		Position:  &bus.Point{Lat: 1, Lng: 2},
		At:        time.Unix(0, 0).UTC(),
	}
	b, err := json.Marshal(FrameMessage{Frame: f, ConfidenceText: f.ConfidenceText()})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "b1", got["busId"])
	assert.Equal(t, "~%", got["confidence"])
	assert.Equal(t, "estimated", got["status"])
	assert.Equal(t, map[string]any{"lat": 1.0, "lng": 2.0}, got["position"])
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	s := LogSink{Logger: &l}
	require.NoError(t, s.Render(context.Background(), session.Frame{
		BusID:      "b1",
		Status:     bus.StatusLive,
		Confidence: 77,
		Position:   &bus.Point{Lat: 1, Lng: 2},
		Notice:     "hello",
	}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "77%", got["confidence"])
	assert.Equal(t, "hello", got["notice"])
	assert.Equal(t, 1.0, got["lat"])
}
