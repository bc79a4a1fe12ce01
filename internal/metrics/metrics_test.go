package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roverlink/roverlink/internal/protocol"
)

func TestCounters(t *testing.T) {
	m := New()

	m.MessageRelayed(protocol.TagCameraChanged)
	m.MessageRelayed(protocol.TagCameraChanged)
	m.MessageRelayed(protocol.TagRoverGpsUpdate)
	m.MessageDropped("rate")
	m.WorkerFault(protocol.AudioMediaID)
	m.SetPeers(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.relayed.WithLabelValues(protocol.TagCameraChanged.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.relayed.WithLabelValues(protocol.TagRoverGpsUpdate.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("rate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerFaults.WithLabelValues("audio")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.peers))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetPeers(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "roverlink_overlay_peers 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMediaLabel(t *testing.T) {
	assert.Equal(t, "audio", mediaLabel(protocol.AudioMediaID))
	assert.Equal(t, "camera4", mediaLabel(4))
}
