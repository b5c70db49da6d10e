package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkWriteResults(t *testing.T) {
	before := testutil.ToFloat64(sinkWrites.WithLabelValues("price_update", "error"))
	SinkWrite("price_update", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(sinkWrites.WithLabelValues("price_update", "error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	QueueDropped()
	FeedState("lighter", 2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "spreadwatch_engine_queue_dropped_total"))
	assert.True(t, strings.Contains(body, `spreadwatch_feed_connection_state{venue="lighter"} 2`))
}
