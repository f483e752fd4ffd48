package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.UploadPart("stored", 10)
	m.Delete("single", "ok")
	m.Archive("ok", 1, time.Second)
	m.ObserverJoined()
	m.ObserverLeft("send_failed")
	m.MessageSent()
	m.Request("/list_files", 200)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.UploadPart("stored", 100)
	m.UploadPart("stored", 50)
	m.UploadPart("rejected", 0)
	m.ObserverJoined()
	m.ObserverJoined()
	m.ObserverLeft("")
	m.ObserverLeft("slow")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.uploads.WithLabelValues("stored")))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.uploadBytes))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.observers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("slow")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.MessageSent()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "mediashare_hub_messages_sent_total 1"))
}
