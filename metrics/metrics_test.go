package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentsAreExported(t *testing.T) {
	Blocks.WithLabelValues(DirectionOut).Inc()
	FramesDropped.WithLabelValues("unknown_session").Inc()
	ConnectionsOpen.Inc()
	defer ConnectionsOpen.Dec()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `filerelay_blocks_total{direction="out"}`)
	assert.Contains(t, body, `filerelay_frames_dropped_total{reason="unknown_session"}`)
	assert.Contains(t, body, "filerelay_connections_open 1")
}
