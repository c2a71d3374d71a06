package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "tasksync/api"
	requestSpanName     = "http.request"
	requestEventName    = "tasksync.http.request"
	requestEventDomain  = "tasksync.api"
	observabilityEvent  = "observability.event"
)

type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time
	method string
	route  string
	code   string
}

// newRequestMetrics starts the request span as a child of any propagated
// trace. The tracer is resolved per request so a provider installed after
// startup is honoured.
func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string, header http.Header) (*requestMetrics, context.Context) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
	tracer := otel.GetTracerProvider().Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, requestSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		method: method,
		route:  route,
	}, ctx
}

func (m *requestMetrics) SetErrorCode(code string) {
	if code != "" {
		m.code = code
	}
}

// Log ends the span and emits one observability event on both the span and
// the logger.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	defer m.span.End()

	attrs := []attribute.KeyValue{
		attribute.String("http.method", m.method),
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("tasksync.http.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.code != "" {
		attrs = append(attrs, attribute.String("tasksync.http.error_code", m.code))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	m.span.SetAttributes(attrs...)

	severityText, severityNumber := severityForStatus(status, err)
	switch {
	case err != nil:
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))

	if m.logger == nil {
		return
	}
	sc := m.span.SpanContext()
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributesToMap(attrs),
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		fields["span_id"] = sc.SpanID().String()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityText), observabilityEvent)
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RequestTelemetry wraps every request in a span and logs its outcome. Handler
// errors rendered through writeError are attached to the event.
func RequestTelemetry(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			metrics, ctx := newRequestMetrics(req.Context(), logger, req.Method, c.Path(), req.Header)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			recorded, _ := c.Get(ctxKeyError).(error)
			if recorded != nil {
				_, body := mapError(recorded)
				metrics.SetErrorCode(body.Code)
			}
			status := c.Response().Status
			var logged error
			if err != nil {
				logged = err
			} else if recorded != nil && status >= http.StatusInternalServerError {
				logged = recorded
			}
			metrics.Log(status, logged)
			return nil
		}
	}
}
