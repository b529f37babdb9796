package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRouteAndStatus(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/queue/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/v1/replay/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	before404 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))
	before200 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "200"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/queue/101", nil),
		httptest.NewRequest(http.MethodGet, "/v1/queue/102", nil),
		httptest.NewRequest(http.MethodPost, "/v1/replay/101", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))-before404, 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "200"))-before200, 0)
	// Route patterns keep listing ids out of label values.
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds, "http_request_duration_seconds"))
}
