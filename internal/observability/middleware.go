package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminScope names the zone an admin router serves.
type AdminScope struct {
	Kind    string
	Address string
}

// actionParam is the route parameter of /actions/:id.
const actionParam = "id"

func route(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

// AdminLogger writes one admin_request line per request. Action invocations
// carry the action id so a zone's log shows who drove which action.
func AdminLogger(logger zerolog.Logger, scope AdminScope) gin.HandlerFunc {
	logger = logger.With().Str("zone_kind", scope.Kind).Str("zone_addr", scope.Address).Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case c.Request.Method == "GET":
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if id := c.Param(actionParam); id != "" {
			event = event.Str("action", id)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route(c)).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("admin_request")
	}
}

// AdminMetrics counts admin requests by zone and route. Unmatched paths
// share one route label to keep cardinality bounded.
func AdminMetrics(scope AdminScope) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		RecordAdminRequest(scope, c.Request.Method, route(c), c.Param(actionParam), c.Writer.Status(), time.Since(start))
	}
}
