package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quotaguard/quotabar/internal/logging"
)

// unmatchedRoute labels requests that hit no registered route, so probes
// for random paths cannot grow the label set.
const unmatchedRoute = "unmatched"

// Middleware counts local API requests by route template and logs handler
// errors together with the provider the request was about.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.IncHTTPRequestsInFlight()
		defer m.DecHTTPRequestsInFlight()

		began := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		code := strconv.Itoa(c.Writer.Status())
		m.RecordHTTPRequest(route, c.Request.Method, code)
		m.RecordRequestLatency(route, c.Request.Method, code, time.Since(began).Seconds())

		if len(c.Errors) == 0 {
			return
		}
		fields := []any{"route", route, "status", code, "error", c.Errors.Last().Error()}
		if p := c.Param("provider"); p != "" {
			fields = append(fields, "provider", p)
		}
		logger.ErrorWithContext(c.Request.Context(), "api request failed", fields...)
	}
}
