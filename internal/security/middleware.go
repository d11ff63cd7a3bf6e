package security

import (
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"servicebot/internal/logging"
)

// Envelope builds the error body shared by every failing response.
func Envelope(code, message string) gin.H {
	return gin.H{
		"error":     code,
		"message":   message,
		"timestamp": time.Now().Format(time.RFC3339),
	}
}

// RequestLogger attaches the request actor to the context and logs each
// request with its status and latency.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		userAgent := c.Request.UserAgent()
		if userAgent == "" {
			userAgent = "unknown"
		}
		actor := logging.Actor{ClientIP: c.ClientIP(), UserAgent: userAgent}
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), actor))

		if len(userAgent) > 100 {
			userAgent = userAgent[:100]
		}
		log.Debug("request started",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", actor.ClientIP),
			zap.String("user_agent", userAgent),
		)

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", actor.ClientIP),
		}
		if len(c.Errors) > 0 {
			log.Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Info("request completed", fields...)
	}
}

// SecurityHeaders sets the browser hardening headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy",
			"default-src 'self'; "+
				"script-src 'self' 'unsafe-inline'; "+
				"style-src 'self' 'unsafe-inline'; "+
				"img-src 'self' data: https:; "+
				"font-src 'self' https:; "+
				"connect-src 'self' https:; "+
				"frame-ancestors 'none';")
		c.Next()
	}
}

// RequestSize rejects bodies larger than maxBytes.
func RequestSize(maxBytes int64, events logging.EventRecorder) gin.HandlerFunc {
	if events == nil {
		events = logging.Nop{}
	}
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			events.Record(c.Request.Context(), logging.EventRequestTooLarge,
				fmt.Sprintf("body of %d bytes exceeds limit of %d bytes", c.Request.ContentLength, maxBytes))
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				Envelope("REQUEST_TOO_LARGE", fmt.Sprintf("request body too large, maximum is %d MB", maxBytes>>20)))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// TrustedHosts rejects requests whose Host header is not allowed. An empty
// list or a "*" entry allows every host.
func TrustedHosts(hosts []string, events logging.EventRecorder) gin.HandlerFunc {
	if events == nil {
		events = logging.Nop{}
	}
	allowed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "*" {
			allowed = nil
			break
		}
		if h != "" {
			allowed[h] = struct{}{}
		}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		host := strings.ToLower(c.Request.Host)
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if _, ok := allowed[host]; !ok {
			events.Record(c.Request.Context(), logging.EventUntrustedHost, "host "+host+" is not allowed")
			c.AbortWithStatusJSON(http.StatusBadRequest, Envelope("INVALID_HOST", "invalid host header"))
			return
		}
		c.Next()
	}
}

// CORS allows the configured origins with credentials. An origin the cors
// package would refuse is returned as an error.
func CORS(origins []string) (gin.HandlerFunc, error) {
	if len(origins) == 0 {
		return func(c *gin.Context) { c.Next() }, nil
	}
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}
	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}
	return cors.New(cfg), nil
}
