package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"esignd/internal/logging"
	"esignd/internal/tracing"
)

const (
	headerRequestID = "X-Request-ID"
	headerActor     = "X-Actor-ID"
	requestIDKey    = "request_id"
)

// requestID propagates or assigns X-Request-ID and stores it on the request
// context so component logs and the audit journal can carry it.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// trace opens a server span per request, continuing the caller's trace when
// a valid traceparent header is present.
func (s *Server) trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		var opts []tracing.SpanOption
		opts = append(opts, tracing.WithKind(tracing.SpanKindServer))
		if parent, err := tracing.ParseTraceParent(c.GetHeader(tracing.HeaderTraceParent)); err == nil {
			opts = append(opts, tracing.WithRemoteParent(parent))
		}

		ctx, span := s.tracer.Start(c.Request.Context(), c.Request.Method+" "+route, opts...)
		if span == nil {
			c.Next()
			return
		}
		defer span.End()
		span.SetAttribute("request_id", c.GetString(requestIDKey))
		c.Header(tracing.HeaderTraceParent, tracing.FormatTraceParent(span.Context()))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttribute("http.status", strconv.Itoa(status))
		if status >= http.StatusInternalServerError {
			if err := c.Errors.Last(); err != nil {
				span.RecordError(err.Err)
			} else {
				span.SetStatus(tracing.StatusError, http.StatusText(status))
			}
		} else {
			span.SetStatus(tracing.StatusOK, "")
		}
	}
}

// observe logs each request and feeds the HTTP metrics. Routes are labelled by
// their pattern so ids do not explode metric cardinality.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)
		status := c.Writer.Status()

		if s.metrics != nil {
			s.metrics.ObserveRequest(c.Request.Method, c.FullPath(), status, elapsed)
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", c.GetString(requestIDKey),
		}
		if traceID := tracing.TraceIDFromContext(c.Request.Context()); traceID != "" {
			attrs = append(attrs, "trace_id", traceID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.log.Error("request failed", attrs...)
		case status >= http.StatusBadRequest:
			s.log.Warn("request rejected", attrs...)
		default:
			s.log.Debug("request served", attrs...)
		}
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
		}
		c.Next()
	}
}

// actor names who is calling, for audit attribution. The API trusts the
// header; authentication belongs to the fronting proxy.
func actor(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(headerActor))
}
