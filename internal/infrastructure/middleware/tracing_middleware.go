package middleware

import (
	"net/http"

	"voicemesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// untracedPaths are polled by infrastructure and would only add noise.
var untracedPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// TracingMiddleware opens a server span per HTTP request. The websocket
// upgrade gets a span too; protocol messages on the upgraded connection are
// traced by the signaling server.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if untracedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		span.SetAttributes(
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.String("http.user_agent", c.Request.UserAgent()),
		)
		if id := c.GetString("request_id"); id != "" {
			span.SetAttributes(attribute.String("http.request_id", id))
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		recordOutcome(span, status, c.Errors)
	}
}

func recordOutcome(span trace.Span, status int, errs []*gin.Error) {
	for _, e := range errs {
		span.RecordError(e.Err)
	}
	switch {
	case status >= 500:
		span.SetStatus(codes.Error, http.StatusText(status))
	case len(errs) == 0:
		span.SetStatus(codes.Ok, "")
	}
}
