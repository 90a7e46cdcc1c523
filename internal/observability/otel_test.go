package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tbourn/go-newsletter-backend/internal/config"
)

func keepGlobals(t *testing.T) {
	t.Helper()
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

// useMemoryExporter swaps the OTLP exporter for an in-memory one.
func useMemoryExporter(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	orig := newExporterFn
	newExporterFn = func(context.Context, config.OTELConfig) (sdktrace.SpanExporter, error) { return exp, nil }
	t.Cleanup(func() { newExporterFn = orig })
	return exp
}

func enabledConfig(name string, ratio float64) config.OTELConfig {
	return config.OTELConfig{Enabled: true, Insecure: true, Endpoint: "localhost:4317", ServiceName: name, SampleRatio: ratio}
}

func TestSetupOTel_DisabledLeavesGlobals(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "v0", RoleAPI)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupOTel_SpansCarryServiceAndRole(t *testing.T) {
	keepGlobals(t)
	exp := useMemoryExporter(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig("newsletter-worker", 1), "v1.4.0", RoleWorker)
	require.NoError(t, err)

	_, span := otel.Tracer("delivery").Start(context.Background(), "deliver")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	attrs := map[string]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "newsletter-worker", attrs["service.name"])
	assert.Equal(t, "v1.4.0", attrs["service.version"])
	assert.Equal(t, RoleWorker, attrs["process.role"])
}

func TestSetupOTel_ZeroRatioDropsRootSpans(t *testing.T) {
	keepGlobals(t)
	exp := useMemoryExporter(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig("newsletter-api", -0.5), "v1", RoleAPI)
	require.NoError(t, err)
	_, span := otel.Tracer("http").Start(context.Background(), "POST /admin/newsletters")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Empty(t, exp.GetSpans())
}

func TestSetupOTel_PropagatesTraceContext(t *testing.T) {
	keepGlobals(t)
	useMemoryExporter(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig("newsletter-api", 1), "v1", RoleAPI)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, span := otel.Tracer("http").Start(context.Background(), "publish")
	defer span.End()
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.Contains(t, carrier.Get("traceparent"), span.SpanContext().TraceID().String())
}

func TestSetupOTel_RealExporterBuildsLazily(t *testing.T) {
	keepGlobals(t)
	for _, insecure := range []bool{true, false} {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cfg := enabledConfig("newsletter-api", 1)
		cfg.Insecure = insecure

		shutdown, err := SetupOTel(ctx, cfg, "v1", RoleAPI)
		require.NoError(t, err, "insecure=%v", insecure)
		_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
		assert.True(t, ok)
		_ = shutdown(context.Background())
	}
}

func TestSetupOTel_FailuresKeepGlobals(t *testing.T) {
	cases := map[string]func(t *testing.T){
		"exporter": func(t *testing.T) {
			orig := newExporterFn
			newExporterFn = func(context.Context, config.OTELConfig) (sdktrace.SpanExporter, error) {
				return nil, errors.New("no collector")
			}
			t.Cleanup(func() { newExporterFn = orig })
		},
		"resource": func(t *testing.T) {
			useMemoryExporter(t)
			orig := newServiceResourceFn
			newServiceResourceFn = func(context.Context, string, string, string) (*resource.Resource, error) {
				return nil, errors.New("bad resource")
			}
			t.Cleanup(func() { newServiceResourceFn = orig })
		},
	}
	for name, arrange := range cases {
		t.Run(name, func(t *testing.T) {
			keepGlobals(t)
			arrange(t)
			tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()

			_, err := SetupOTel(context.Background(), enabledConfig("svc", 1), "v0", RoleAPI)
			require.Error(t, err)
			assert.Equal(t, tp, otel.GetTracerProvider())
			assert.Equal(t, prop, otel.GetTextMapPropagator())
		})
	}
}

func Test_clientOptions(t *testing.T) {
	cfg := enabledConfig("svc", 1)
	assert.Len(t, clientOptions(cfg), 2)
	cfg.Insecure = false
	assert.Len(t, clientOptions(cfg), 2)
}

func Test_sampleRatio(t *testing.T) {
	for in, want := range map[float64]float64{-1: 0, 0: 0, 0.25: 0.25, 1: 1, 3: 1} {
		assert.Equal(t, want, sampleRatio(in), "sampleRatio(%v)", in)
	}
}
