package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"

	testlogr "github.com/habibyte/habibyte/internal/testutils/logger"
	"github.com/habibyte/habibyte/logger"
)

/*
NOPObservability creates observability implementation where everything is no-op.
Use it for tests for which it absolutely doesn't make sense to create any logs, traces or metrics.
*/
func NOPObservability() *Observability {
	return &Observability{
		mp:   noop.NewMeterProvider(),
		tp:   tnop.NewTracerProvider(),
		logF: func(lc *logger.LogConfiguration) (*slog.Logger, error) { return testlogr.NOP(), nil },
	}
}

/*
Default creates observability with test logger, metrics are exported only
when HB_TEST_METRICS environment variable is set to "stdout".
*/
func Default(t *testing.T) *Observability {
	return New(t, os.Getenv("HB_TEST_METRICS"), testlogr.LoggerBuilder(t))
}

func New(t *testing.T, metrics string, logBuilder func(*logger.LogConfiguration) (*slog.Logger, error)) *Observability {
	obs := &Observability{
		mp:   noop.NewMeterProvider(),
		tp:   tnop.NewTracerProvider(),
		logF: logBuilder,
	}

	switch metrics {
	case "":
	case "stdout":
		exp, err := stdoutmetric.New()
		if err != nil {
			t.Fatal("creating stdout metric exporter", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		obs.mp = mp
		t.Cleanup(func() {
			if err := mp.Shutdown(context.Background()); err != nil {
				t.Logf("shutting down meter provider: %v", err)
			}
		})
	default:
		t.Fatalf("unsupported metrics exporter %q", metrics)
	}
	return obs
}

/*
WithReader returns observability which records metrics into "reader" so
that tests can collect and assert them.
*/
func WithReader(t *testing.T, reader sdkmetric.Reader) *Observability {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return &Observability{
		mp:   mp,
		tp:   tnop.NewTracerProvider(),
		logF: testlogr.LoggerBuilder(t),
	}
}

type Observability struct {
	logF func(*logger.LogConfiguration) (*slog.Logger, error)
	tp   trace.TracerProvider
	mp   metric.MeterProvider
}

func (o *Observability) Logger() *slog.Logger {
	log, err := o.logF(nil)
	if err != nil {
		panic(fmt.Errorf("unexpectedly log builder returned error: %w", err))
	}
	return log
}

func (o *Observability) Meter(name string, options ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, options...)
}

func (o *Observability) MetricsHandler() http.Handler {
	return nil
}

func (o *Observability) PrometheusRegisterer() prometheus.Registerer {
	return nil
}

func (o *Observability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

func (o *Observability) TracerProvider() trace.TracerProvider { return o.tp }

func (o *Observability) Shutdown() error { return nil }
