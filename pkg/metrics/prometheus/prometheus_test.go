package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/chunkstore/badger"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/metrics"
)

func withRegistry(t *testing.T) {
	t.Helper()
	metrics.Reset()
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)
}

// value reads the single sample of a counter or gauge.
func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)
	m := <-ch
	require.NotNil(t, m)
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric %v", m.Desc())
	return 0
}

func TestDisabledConstructorsReturnNil(t *testing.T) {
	metrics.Reset()
	assert.Nil(t, metrics.NewDispatcherMetrics())
	assert.Nil(t, metrics.NewLoaderMetrics())
	assert.Nil(t, NewDispatcherMetrics())

	// nil implementations are safe to call
	var m *loaderMetrics
	m.ObservePackage("succeeded", 1)
	m.SetJobsInFlight(3)
}

func TestDispatcherMetrics(t *testing.T) {
	withRegistry(t)
	m := NewDispatcherMetrics()
	require.NotNil(t, m)

	m.ObserveRequest("mem", iodispatcher.StatusOk, 128, 0.001)
	m.ObserveRequest("mem", iodispatcher.StatusNotFound, 0, 0)
	m.SetInFlight(4)

	assert.Equal(t, 1.0, value(t, m.requests.WithLabelValues("mem", iodispatcher.StatusOk.String())))
	assert.Equal(t, 128.0, value(t, m.bytes.WithLabelValues("mem")))
	assert.Equal(t, 4.0, value(t, m.inFlight))
}

func TestLoaderAndCacheMetrics(t *testing.T) {
	withRegistry(t)
	l := NewLoaderMetrics()
	l.ObservePackage("failed", 0.2)
	l.ObserveNode("bundle_process")
	l.ObserveNode("bundle_process")
	assert.Equal(t, 1.0, value(t, l.packages.WithLabelValues("failed")))
	assert.Equal(t, 2.0, value(t, l.nodes.WithLabelValues("bundle_process")))

	c := NewBlockCacheMetrics()
	c.ObserveLookup("hit")
	c.ObserveEviction()
	assert.Equal(t, 1.0, value(t, c.lookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, value(t, c.evictions))
}

func TestS3AndServerMetrics(t *testing.T) {
	withRegistry(t)
	s := NewS3Metrics()
	s.ObserveOperation("GetObject", 20*time.Millisecond, nil)
	s.RecordBytes("read", 512)
	assert.Equal(t, 1.0, value(t, s.operationsTotal.WithLabelValues("GetObject", "success")))
	assert.Equal(t, 512.0, value(t, s.bytesTransferred.WithLabelValues("read")))

	h := NewServerMetrics()
	h.RecordRequestStart()
	h.RecordRequest("/health", http.MethodGet, 200, time.Millisecond)
	h.RecordRequestEnd()
	assert.Equal(t, 1.0, value(t, h.requests.WithLabelValues("/health", "GET", "200")))
	assert.Equal(t, 0.0, value(t, h.inFlight))
}

func TestHandlerExposesBadgerCollector(t *testing.T) {
	withRegistry(t)
	store, err := badger.Open(badger.Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, RegisterBadgerStore(store))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "pkgload_badger_cache_hits_total"), body)
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
