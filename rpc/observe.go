package rpc

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/habibyte/habibyte/logger"
)

const unknownRoute = "unknown"

/*
instrumentHTTP returns middleware which records for every request of the
REST API:
  - a span named after the route template;
  - "calls" counter and "duration" histogram, both labeled with route and status code.

Requests are logged on debug level.
*/
func instrumentHTTP(obs Observability) func(next http.Handler) http.Handler {
	log := obs.Logger()
	mtr := obs.Meter(metricsScopeRESTAPI)
	tracer := obs.Tracer(metricsScopeRESTAPI)

	callCnt, err := mtr.Int64Counter("calls", metric.WithDescription("Number of REST API requests served"))
	if err != nil {
		log.Error("creating calls counter", logger.Error(err))
		return passthroughMW
	}
	callDur, err := mtr.Float64Histogram("duration",
		metric.WithDescription("Time it took to serve the REST API request"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(100e-6, 200e-6, 400e-6, 800e-6, 0.0016, 0.01, 0.05, 0.1))
	if err != nil {
		log.Error("creating duration histogram", logger.Error(err))
		return passthroughMW
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			route := routeTemplate(req, log)
			ctx, span := tracer.Start(req.Context(), req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(semconv.HTTPRequestMethodKey.String(req.Method), semconv.HTTPRoute(route)))
			defer span.End()

			start := time.Now()
			rsp := newStatusResponseWriter(w)
			next.ServeHTTP(rsp, req.WithContext(ctx))
			elapsed := time.Since(start)

			span.SetAttributes(semconv.HTTPResponseStatusCode(rsp.statusCode))
			if rsp.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rsp.statusCode))
			}
			attrSet := attribute.NewSet(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(rsp.statusCode))
			callCnt.Add(ctx, 1, metric.WithAttributeSet(attrSet))
			callDur.Record(ctx, elapsed.Seconds(), metric.WithAttributeSet(attrSet))

			log.DebugContext(ctx, fmt.Sprintf("%s %s: %d in %s", req.Method, req.URL.Path, rsp.statusCode, elapsed))
		})
	}
}

// routeTemplate returns path template of the matched route so that metrics
// are not labeled with block heights or off-chain references.
func routeTemplate(req *http.Request, log *slog.Logger) string {
	route := mux.CurrentRoute(req)
	if route == nil {
		return unknownRoute
	}
	path, err := route.GetPathTemplate()
	if err != nil {
		log.WarnContext(req.Context(), "reading route path", logger.Error(err))
		return unknownRoute
	}
	return path
}

func passthroughMW(next http.Handler) http.Handler {
	return next
}

// statusResponseWriter captures status code of the response.
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func newStatusResponseWriter(w http.ResponseWriter) *statusResponseWriter {
	return &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if !w.headerWritten {
		w.statusCode = statusCode
		w.headerWritten = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	w.headerWritten = true
	return w.ResponseWriter.Write(b)
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
