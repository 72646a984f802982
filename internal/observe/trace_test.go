package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTestTracer swaps the global tracer provider for one backed by an
// in-memory exporter and restores the original on cleanup.
func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("no span: want empty correlation ID, got %q", got)
	}

	installTestTracer(t)
	ctx, span := StartSpan(context.Background(), "transcribe job")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID %q: want 32 hex chars", cid)
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lowercase hex", cid)
	}
}

func TestStartSpanRecords(t *testing.T) {
	exp := installTestTracer(t)

	_, span := StartSpan(context.Background(), "segmenter watch")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("want 1 recorded span, got %d", len(spans))
	}
	if spans[0].Name != "segmenter watch" {
		t.Errorf("span name: want %q, got %q", "segmenter watch", spans[0].Name)
	}
}

func TestTraceIDsAreUnique(t *testing.T) {
	installTestTracer(t)

	seen := make(map[string]struct{}, 50)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "clip upload")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := seen[cid]; dup {
			t.Fatalf("duplicate trace ID %s", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestLoggerCarriesSpanContext(t *testing.T) {
	installTestTracer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, span := StartSpan(context.Background(), "merge flush")
	defer span.End()

	Logger(ctx).Info("segment persisted", "sequence", 7)
	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing span context: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line must not carry a trace ID without a span: %s", buf.String())
	}
}
