// ABOUTME: Tests for the Prometheus collector
// ABOUTME: Uses a fixed stats source and the client_golang testutil helpers
package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sendspin/playcore/pkg/playcore"
	"github.com/Sendspin/playcore/pkg/playcore/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	stats playcore.Stats
	clock clock.Stats
	snap  playcore.Snapshot
}

func (f fixedSource) Stats() playcore.Stats       { return f.stats }
func (f fixedSource) ClockStats() clock.Stats     { return f.clock }
func (f fixedSource) Snapshot() playcore.Snapshot { return f.snap }

func testSource() fixedSource {
	return fixedSource{
		stats: playcore.Stats{Callbacks: 10, Frames: 5120, Underruns: 2, UnderrunFrames: 700, Reacquires: 1, Load: 0.25, BufferSeconds: 3.5},
		clock: clock.Stats{NominalRate: 48000, Drift: 0.0001, Quality: clock.QualityGood},
		snap:  playcore.Snapshot{State: playcore.StatePlaying, Volume: 0.8},
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector(testSource())

	assert.Equal(t, 21, testutil.CollectAndCount(c))

	expected := `
# HELP playcore_underruns_total Underrun episodes.
# TYPE playcore_underruns_total counter
playcore_underruns_total 2
# HELP playcore_session_state 1 for the current session state.
# TYPE playcore_session_state gauge
playcore_session_state{state="paused"} 0
playcore_session_state{state="playing"} 1
playcore_session_state{state="scrubbing"} 0
playcore_session_state{state="stopped"} 0
# HELP playcore_device_sample_rate_hertz Nominal device sample rate.
# TYPE playcore_device_sample_rate_hertz gauge
playcore_device_sample_rate_hertz 48000
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"playcore_underruns_total", "playcore_session_state", "playcore_device_sample_rate_hertz"))
}

func TestHandler(t *testing.T) {
	h, err := Handler(testSource())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "playcore_frames_rendered_total 5120")
	assert.Contains(t, body, `playcore_device_clock_quality{quality="good"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
