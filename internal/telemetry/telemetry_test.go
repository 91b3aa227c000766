package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/deliveryopt/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetry_NilIsSafe(t *testing.T) {
	var tel *Telemetry

	tel.RecordHTTPRequest("GET", "/", "2xx", time.Millisecond)
	tel.IncrementHTTPInFlight()
	tel.DecrementHTTPInFlight()
	tel.RecordDownload("background", "success", time.Second)
	tel.IncrementActiveDownloads("foreground")
	tel.DecrementActiveDownloads("foreground")
	tel.RecordPropertySet("caller_name", "success")
	tel.RecordDBOperation("get_downloads", "success", time.Millisecond)
	tel.RecordSystemError("agent", "transfer_failed")

	assert.NotNil(t, tel.Tracer())
	assert.NoError(t, tel.Shutdown(context.Background()))

	boom := errors.New("boom")
	assert.ErrorIs(t, tel.InstrumentDownload(context.Background(), "background", func(context.Context) error { return boom }), boom)
	assert.NoError(t, tel.InstrumentDBOperation(context.Background(), "track_download", func(context.Context) error { return nil }))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTelemetry_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	// A disabled instance has no instruments but must not panic.
	tel.RecordDownload("foreground", "success", time.Second)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_ExportsRouteMetrics(t *testing.T) {
	tel, err := New(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "deliveryopt-test",
		ServiceVersion: "test",
		InstanceID:     InstanceID(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(HTTPLogging)
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Get("/v1/downloads/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", tel.Handler())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/downloads/abc/status")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	tel.RecordSystemError("agent", "no_progress")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	metrics := string(body)
	assert.Contains(t, metrics, "http_requests")
	assert.Contains(t, metrics, `path="/v1/downloads/{id}/status"`)
	assert.NotContains(t, metrics, "/v1/downloads/abc/status")
	assert.Contains(t, metrics, `error_type="no_progress"`)
}

func TestRequestID_ReusesUpstreamHeader(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-id", seen)
	assert.Equal(t, "upstream-id", rec.Header().Get(RequestIDHeader))
	assert.Empty(t, GetRequestID(context.Background()))
}

func TestHTTPLogging_TagsDownloadCalls(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(RequestID, HTTPLogging)
	r.Post("/v1/downloads/{id}/{action:start|pause}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/downloads/abc/pause", nil)
	req.Header.Set(CorrelationVectorHeader, "cv.1")
	req = req.WithContext(logctx.WithLogger(req.Context(), logger))

	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "api call completed", entry["msg"])
	assert.Equal(t, "/v1/downloads/{id}/{action:start|pause}", entry["route"])
	assert.Equal(t, "abc", entry["download_id"])
	assert.Equal(t, "pause", entry["action"])
	assert.Equal(t, "cv.1", entry["correlation_vector"])
	assert.NotEmpty(t, entry["request_id"])
}

func TestHTTPLogging_UntaggedCalls(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	r := chi.NewRouter()
	r.Use(HTTPLogging)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req = req.WithContext(logctx.WithLogger(req.Context(), logger))

	r.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "INFO", entry["level"])
	assert.InDelta(t, 2, entry["bytes"], 0)
	assert.NotContains(t, entry, "download_id")
	assert.NotContains(t, entry, "correlation_vector")
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(204))
	assert.Equal(t, "3xx", getStatusClass(302))
	assert.Equal(t, "4xx", getStatusClass(409))
	assert.Equal(t, "5xx", getStatusClass(503))
	assert.Equal(t, "unknown", getStatusClass(101))
}

func TestInstanceID(t *testing.T) {
	a, b := InstanceID(), InstanceID()

	assert.NotEqual(t, a, b)
	assert.Equal(t, 3, len(strings.SplitN(a, "-", 3)))
}
