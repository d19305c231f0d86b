package davserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/darshan-rambhia/davsftp"
)

// RequestIDHeader carries the request id in requests and responses.
const RequestIDHeader = "X-Request-Id"

// NewEngine returns a gin engine serving h for every path and method.
func NewEngine(h *Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = false
	r.Use(RequestID(), AccessLog(logger), Recovery(logger))

	// WebDAV methods are not routable in gin, so everything goes through
	// NoRoute, which presets 404.
	r.NoRoute(func(c *gin.Context) {
		c.Status(http.StatusOK)
		h.ServeHTTP(c.Writer, c.Request)
	})
	return r
}

// RequestID assigns every request an id, reusing a valid incoming one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(withRequestID(c.Request.Context(), id))
		c.Next()
	}
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the id RequestID attached to ctx.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// AccessLog logs one event per request.
func AccessLog(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := logger.Info()
		switch {
		case status >= http.StatusInternalServerError:
			ev = logger.Warn()
		case c.Request.Method == http.MethodOptions || c.Request.Method == MethodPropfind:
			ev = logger.Debug()
		}
		ev.Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("request")
	}
}

// Recovery turns a panic into a 500 and logs it.
func Recovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Interface("panic", recovered).
			Msg("handler panicked")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}

// NewAdminEngine serves health endpoints for pool and translator.
//
//	GET /healthz  pool statistics; 503 once the pool is closed
//	GET /readyz   stats the share root through the pool; 503 on failure
func NewAdminEngine(t *davsftp.Translator, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestID(), Recovery(logger))

	r.GET("/healthz", func(c *gin.Context) {
		stats := t.Pool().Stats()
		status := http.StatusOK
		state := "ok"
		if stats.Closed {
			status = http.StatusServiceUnavailable
			state = "closed"
		}
		c.JSON(status, gin.H{"status": state, "pool": stats})
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), t.Pool().Config().HealthCheckTimeout+t.Pool().Config().AcquireTimeout)
		defer cancel()
		if _, err := t.Do(ctx, davsftp.Request{Op: davsftp.OpStat, Path: "/"}); err != nil {
			logger.Warn().Err(err).Msg("readiness check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	return r
}
