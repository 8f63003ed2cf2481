package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pkgload/pkg/blockcache"
	"github.com/marmos91/pkgload/pkg/chunkstore/container"
	"github.com/marmos91/pkgload/pkg/cook"
	"github.com/marmos91/pkgload/pkg/engine"
	"github.com/marmos91/pkgload/pkg/iodispatcher"
	"github.com/marmos91/pkgload/pkg/metrics"
	_ "github.com/marmos91/pkgload/pkg/metrics/prometheus"
)

const heroManifest = `
container: heroes
packages:
  - name: /Game/Hero
    exports:
      - name: Hero
        public: true
        refs: [Hero/Mesh]
      - name: Mesh
        outer: Hero
        public: true
        data: mesh
`

func newTestEngine(t *testing.T) (*engine.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := cook.ParseManifest([]byte(heroManifest))
	require.NoError(t, err)
	_, err = cook.Cook(context.Background(), m, cook.Options{OutputDir: dir})
	require.NoError(t, err)

	opts := engine.Options{
		Cache: blockcache.Config{
			BlockSize:    int(container.DefaultWriterConfig().BlockSize),
			Capacity:     32,
			BypassBlocks: 16,
		},
	}
	opts.Loader.Threaded = true
	e, err := engine.New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	_, err = e.MountDirectory(context.Background(), dir)
	require.NoError(t, err)
	return e, dir
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

// decodeData re-decodes resp.Data into v.
func decodeData(t *testing.T, resp Response, v any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestHealth(t *testing.T) {
	e, _ := newTestEngine(t)
	w, resp := do(t, NewRouter(e, Config{}, nil), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.RequestID)
}

func TestLoadThenInspectPackage(t *testing.T) {
	e, _ := newTestEngine(t)
	h := NewRouter(e, Config{}, nil)

	w, resp := do(t, h, http.MethodPost, "/api/v1/load", `{"packages":["/Game/Hero"],"priority":"high"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var results []LoadResult
	decodeData(t, resp, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "succeeded", results[0].Result)
	assert.Equal(t, "/Game/Hero", results[0].Package)
	assert.NotEmpty(t, results[0].Root)
	assert.Empty(t, results[0].Error)

	w, resp = do(t, h, http.MethodGet, "/api/v1/packages/Game/Hero", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var info PackageInfo
	decodeData(t, resp, &info)
	assert.Equal(t, "/Game/Hero", info.Name)
	assert.Equal(t, "heroes", info.Container)
	assert.True(t, info.InStore)
	assert.True(t, info.Loaded)
	assert.EqualValues(t, 2, info.ExportCount)
}

func TestLoadMissingPackageReportsFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	w, resp := do(t, NewRouter(e, Config{}, nil), http.MethodPost, "/api/v1/load", `{"packages":["/Game/Nope"]}`)
	require.Equal(t, http.StatusOK, w.Code)

	var results []LoadResult
	decodeData(t, resp, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "failed", results[0].Result)
	assert.NotEmpty(t, results[0].Error)
}

func TestLoadRejectsBadRequests(t *testing.T) {
	e, _ := newTestEngine(t)
	h := NewRouter(e, Config{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"packages":`},
		{name: "no packages", body: `{"packages":[]}`},
		{name: "bad priority", body: `{"packages":["/Game/Hero"],"priority":"urgent"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(t, h, http.MethodPost, "/api/v1/load", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "error", resp.Status)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestPackageNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	w, resp := do(t, NewRouter(e, Config{}, nil), http.MethodGet, "/api/v1/packages/Game/Nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, resp.Error, "/Game/Nope")
}

func TestStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	w, resp := do(t, NewRouter(e, Config{}, nil), http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status StatusInfo
	decodeData(t, resp, &status)
	require.Len(t, status.Mounts, 1)
	assert.Equal(t, "heroes", status.Mounts[0].Name)
	assert.Equal(t, "container", status.Mounts[0].Kind)
	assert.Equal(t, 1, status.Packages)
	assert.NotNil(t, status.Cache)
}

func TestRequestID(t *testing.T) {
	e, _ := newTestEngine(t)
	h := NewRouter(e, Config{}, nil)

	w, resp := do(t, h, http.MethodGet, "/health", "")
	id := w.Header().Get(RequestIDHeader)
	_, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, resp.RequestID)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "client-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-42", rec.Header().Get(RequestIDHeader))
}

func TestCORS(t *testing.T) {
	e, _ := newTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://tools.local")

	w := httptest.NewRecorder()
	NewRouter(e, Config{CORSOrigins: []string{"http://tools.local"}}, nil).ServeHTTP(w, req)
	assert.Equal(t, "http://tools.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	NewRouter(e, Config{}, nil).ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Reset()
	metrics.InitRegistry()
	t.Cleanup(metrics.Reset)

	e, _ := newTestEngine(t)
	h := NewRouter(e, Config{}, metrics.NewServerMetrics())

	do(t, h, http.MethodGet, "/health", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pkgload_http_requests_total")
	assert.Contains(t, w.Body.String(), `route="/health"`)
}

func TestMetricsRouteAbsentWhenDisabled(t *testing.T) {
	metrics.Reset()
	e, _ := newTestEngine(t)
	w, _ := do(t, NewRouter(e, Config{}, nil), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    iodispatcher.Priority
		wantErr bool
	}{
		{in: "", want: iodispatcher.PriorityMedium},
		{in: "low", want: iodispatcher.PriorityLow},
		{in: "HIGH", want: iodispatcher.PriorityHigh},
		{in: "max", want: iodispatcher.PriorityMax},
		{in: "-7", want: -7},
		{in: "12abc", wantErr: true},
		{in: "urgent", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServeAndStop(t *testing.T) {
	e, _ := newTestEngine(t)
	srv := New(Config{}, e, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	addr := ln.Addr().String()
	resp, err := http.Post("http://"+addr+"/api/v1/load", "application/json",
		bytes.NewBufferString(`{"packages":["/Game/Hero"]}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	// a served request implies Serve has recorded its listener
	assert.Equal(t, addr, srv.Addr())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.NoError(t, srv.Stop(context.Background()))
}
