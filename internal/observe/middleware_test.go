package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// serve runs one request through the middleware and returns the recorder.
func serve(t *testing.T, m *Metrics, handler http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	Middleware(m)(handler).ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareCorrelation(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTestTracer(t)

	var inHandler string
	rec := serve(t, m, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, httptest.NewRequest("GET", "/v1/transcriptions/tr-1/segments", nil))

	if len(inHandler) != 32 {
		t.Fatalf("handler correlation ID: %q", inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inHandler {
		t.Errorf("header correlation ID: want %q, got %q", inHandler, got)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("want 1 span, got %d", len(spans))
	}
	if want := "HTTP GET /v1/transcriptions/tr-1/segments"; spans[0].Name != want {
		t.Errorf("span name: want %q, got %q", want, spans[0].Name)
	}
}

func TestMiddlewarePropagatesIncomingTrace(t *testing.T) {
	m, _ := newTestMetrics(t)
	installTestTracer(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("POST", "/v1/segmenter/watch", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	var inHandler string
	rec := serve(t, m, func(w http.ResponseWriter, r *http.Request) {
		inHandler = CorrelationID(r.Context())
	}, req)

	if inHandler != traceID {
		t.Errorf("handler trace: want %q, got %q", traceID, inHandler)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("header trace: want %q, got %q", traceID, got)
	}
}

func TestMiddlewareRecordsDurationAndStatus(t *testing.T) {
	m, reader := newTestMetrics(t)
	exp := installTestTracer(t)

	rec := serve(t, m, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, httptest.NewRequest("GET", "/v1/transcriptions/missing/segments", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	met := findMetric(rm, "waveshift.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatalf("metric shape: %+v", met.Data)
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("sample count: %d", hist.DataPoints[0].Count)
	}
	var gotMethod, gotPath string
	for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
		switch string(kv.Key) {
		case "method":
			gotMethod = kv.Value.AsString()
		case "path":
			gotPath = kv.Value.AsString()
		}
	}
	if gotMethod != "GET" || gotPath != "/v1/transcriptions/missing/segments" {
		t.Errorf("attributes: method=%q path=%q", gotMethod, gotPath)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	var gotStatus int64
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" {
			gotStatus = a.Value.AsInt64()
		}
	}
	if gotStatus != http.StatusNotFound {
		t.Errorf("span status attribute: %d", gotStatus)
	}
}

func TestStatusRecorderUnwrap(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, statusCode: http.StatusOK}
	if sr.Unwrap() != rec {
		t.Fatal("Unwrap must return the wrapped writer")
	}
}
