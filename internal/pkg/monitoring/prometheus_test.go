package monitoring

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/delayer"
	"github.com/endorses/lagswitch/internal/pkg/delayqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	snapshot delayer.Snapshot
}

func (f *fakeEngine) Stats() delayer.Snapshot {
	return f.snapshot
}

func scrape(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestPrometheusExporter_Metrics(t *testing.T) {
	engine := &fakeEngine{snapshot: delayer.Snapshot{
		State:   delayer.Active.String(),
		Latency: 250 * time.Millisecond,
	}}
	p := NewPrometheusExporter(0, engine)
	assert.False(t, p.IsEnabled())

	p.ObserveReport(delayer.Report{Received: 10, Sent: 7, Buffered: 2, Dropped: 1})
	p.ObserveReport(delayer.Report{Received: 5, Sent: 6, Buffered: 1})

	captured := time.Unix(1700000000, 0)
	p.ObserveRelease(delayqueue.PacketRecord{CapturedAt: captured}, captured.Add(260*time.Millisecond))

	code, body := scrape(t, p.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, code)

	assert.Contains(t, body, `lagswitch_packets_total{outcome="received"} 15`)
	assert.Contains(t, body, `lagswitch_packets_total{outcome="sent"} 13`)
	assert.Contains(t, body, `lagswitch_packets_total{outcome="dropped"} 1`)
	assert.Contains(t, body, "lagswitch_packets_buffered 1")
	assert.Contains(t, body, "lagswitch_latency_seconds 0.25")
	assert.Contains(t, body, "lagswitch_active 1")
	assert.Contains(t, body, "lagswitch_degraded 0")
	assert.Contains(t, body, "lagswitch_packet_hold_seconds_count 1")
}

func TestPrometheusExporter_Health(t *testing.T) {
	engine := &fakeEngine{snapshot: delayer.Snapshot{State: delayer.Active.String()}}
	p := NewPrometheusExporter(0, engine)

	code, body := scrape(t, p.Handler(), "/health")
	assert.Equal(t, http.StatusOK, code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "active", resp.State)

	engine.snapshot.Health = delayer.Health{Degraded: true, Component: "sender", Reason: "handle closed"}
	code, body = scrape(t, p.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "sender", resp.Health.Component)
}

func TestPrometheusExporter_DisableWithoutEnable(t *testing.T) {
	p := NewPrometheusExporter(0, &fakeEngine{})
	assert.NoError(t, p.Disable())
	assert.False(t, p.IsEnabled())
}
