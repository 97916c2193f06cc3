package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsString(t *testing.T) {
	if got := (Labels{"kind": "mouse", "b": "1"}).String(); got != `{b="1",kind="mouse"}` {
		t.Errorf("unexpected labels: %s", got)
	}
	if got := Labels(nil).String(); got != "" {
		t.Errorf("expected empty labels, got %q", got)
	}
}

func TestRegistryReturnsSameMetric(t *testing.T) {
	r := NewRegistry("windowd")
	a := r.Counter("events_total", "help", nil)
	b := r.Counter("events_total", "help", nil)
	assert.Same(t, a, b)

	mouse := r.Counter("events_total", "help", Labels{"kind": "mouse"})
	assert.NotSame(t, a, mouse)
}

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("")
	c := r.Counter("c", "counter", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())

	g := r.Gauge("g", "gauge", nil)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
	g.Set(-3)
	assert.Equal(t, int64(-3), g.Value())

	snap := r.Snapshot()
	assert.Equal(t, int64(5), snap["c"])
	assert.Equal(t, int64(-3), snap["g"])
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("windowd")
	r.Counter("sessions_accepted_total", "Client sessions created", nil).Add(3)
	r.Gauge("sessions_active", "Currently registered client sessions", nil).Set(2)
	h := r.Histogram("dispatch_duration_seconds", "Dispatch time", nil, []float64{0.01, 0.1})
	h.Observe(0.005)
	h.Observe(0.01)
	h.ObserveDuration(50 * time.Millisecond)
	h.Observe(2)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()

	assert.Contains(t, out, "# TYPE windowd_sessions_accepted_total counter\nwindowd_sessions_accepted_total 3\n")
	assert.Contains(t, out, "windowd_sessions_active 2\n")
	assert.Contains(t, out, `windowd_dispatch_duration_seconds_bucket{le="0.01"} 2`)
	assert.Contains(t, out, `windowd_dispatch_duration_seconds_bucket{le="0.1"} 3`)
	assert.Contains(t, out, `windowd_dispatch_duration_seconds_bucket{le="+Inf"} 4`)
	assert.Contains(t, out, "windowd_dispatch_duration_seconds_count 4\n")
	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 2.065, h.Sum(), 1e-9)
}

func TestLabelledHistogram(t *testing.T) {
	r := NewRegistry("")
	r.Histogram("d", "d", Labels{"kind": "mouse"}, []float64{1}).Observe(0.5)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	assert.Contains(t, b.String(), `d_bucket{kind="mouse",le="1"} 1`)
	assert.Contains(t, b.String(), `d_count{kind="mouse"} 1`)
}

func TestHTTPHandler(t *testing.T) {
	m := New(nil)
	m.SessionsAccepted.Inc()
	m.UpdateUptime()

	rec := httptest.NewRecorder()
	m.Registry().HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "windowd_sessions_accepted_total 1")
	assert.Contains(t, rec.Body.String(), "windowd_uptime_seconds")
}
