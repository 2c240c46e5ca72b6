package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/amoylab/imgate/internal/common/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func stubConstructors(t *testing.T) {
	t.Helper()
	origRes, origHTTP, origGRPC := newResource, newOTLPTraceHTTP, newOTLPTraceGRPC
	prev := otel.GetTracerProvider()
	t.Cleanup(func() {
		newResource, newOTLPTraceHTTP, newOTLPTraceGRPC = origRes, origHTTP, origGRPC
		otel.SetTracerProvider(prev)
	})
	newResource = func(context.Context, ...resource.Option) (*resource.Resource, error) {
		return resource.Default(), nil
	}
	newOTLPTraceHTTP = func(context.Context, ...otlptracehttp.Option) (*otlptrace.Exporter, error) {
		return nil, nil
	}
	newOTLPTraceGRPC = func(context.Context, ...otlptracegrpc.Option) (*otlptrace.Exporter, error) {
		return nil, nil
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), &config.TracingConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	shutdown, err = InitTracing(context.Background(), nil, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, shutdown)
}

func TestInitTracing_Protocols(t *testing.T) {
	for _, protocol := range []string{"http", "grpc", ""} {
		t.Run("protocol="+protocol, func(t *testing.T) {
			stubConstructors(t)
			cfg := &config.TracingConfig{
				Enabled:     true,
				ServiceName: "imgate-test",
				Protocol:    protocol,
				Insecure:    true,
				SamplerRate: 2.5,
				Headers:     map[string]string{"x-test": "1"},
			}
			shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
			require.NoError(t, err)
			require.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestInitTracing_ExporterError(t *testing.T) {
	stubConstructors(t)
	newOTLPTraceGRPC = func(context.Context, ...otlptracegrpc.Option) (*otlptrace.Exporter, error) {
		return nil, errors.New("dial failed")
	}
	_, err := InitTracing(context.Background(), &config.TracingConfig{Enabled: true}, zap.NewNop())
	assert.ErrorContains(t, err, "create exporter")
}

func TestInitTracing_ResourceError(t *testing.T) {
	stubConstructors(t)
	newResource = func(context.Context, ...resource.Option) (*resource.Resource, error) {
		return nil, errors.New("bad resource")
	}
	_, err := InitTracing(context.Background(), &config.TracingConfig{Enabled: true}, zap.NewNop())
	assert.ErrorContains(t, err, "create resource")
}

func TestBuilder_SpanScope(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	scope := Tracer("trace-test").Start(context.Background(), "op")
	scope.WithAttrs(attribute.String("k", "v")).Fail(errors.New("boom")).End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("k", "v"))
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var nilScope *SpanScope
	assert.NotPanics(t, func() { nilScope.WithAttrs().Fail(errors.New("x")).End() })
}
