package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/drafts/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/v1/drafts", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202"))
	missing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/v1/drafts", nil),
		httptest.NewRequest(http.MethodGet, "/v1/drafts/d-1", nil),
		httptest.NewRequest(http.MethodGet, "/v1/drafts/d-2", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.Equal(t, accepted+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "202")))
	require.Equal(t, missing+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds, "http_request_duration_seconds"))
}

func TestMiddlewareDefaultsToOK(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")))
}
