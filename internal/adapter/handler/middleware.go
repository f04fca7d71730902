package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/basket-checkout/internal/core/service"
	"github.com/rl1809/basket-checkout/internal/logger"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
	sessionKey      = "session"
	sessionHeader   = "X-Session-ID"
)

// RequestIDMiddleware reuses the caller's X-Request-ID or assigns a new one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// LoggerMiddleware writes one structured line per request.
func LoggerMiddleware(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Z()
	}
	sugar := log.Sugar()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		l := sugar.With(
			"request_id", requestID(c),
			"session_id", c.GetHeader(sessionHeader),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
		if len(c.Errors) > 0 {
			l.Errorw("request", "errors", c.Errors.String())
			return
		}
		l.Infow("request")
	}
}

// SessionMiddleware resolves the X-Session-ID header to a live session.
func SessionMiddleware(sessions *service.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(sessionHeader))
		if id == "" {
			fail(c, http.StatusBadRequest, "missing "+sessionHeader+" header", nil)
			return
		}
		s, err := sessions.Get(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(sessionKey, s)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func sessionFrom(c *gin.Context) *service.Session {
	v, _ := c.Get(sessionKey)
	s, _ := v.(*service.Session)
	return s
}
