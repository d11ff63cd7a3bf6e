package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"servicebot/internal/config"
	"servicebot/internal/logging"
	"servicebot/internal/security"
)

// NewRouter builds the gin engine with the middleware chain and all routes.
// Client addresses come from the socket peer unless the peer is one of
// security.trusted_proxies; rate limiting and security events key on them.
func NewRouter(cfg *config.Config, h *Handler, log *zap.Logger, events logging.EventRecorder) (*gin.Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	corsMiddleware, err := security.CORS(cfg.Security.CORSOrigins)
	if err != nil {
		return nil, err
	}
	router.Use(
		security.RequestLogger(log),
		gin.Recovery(),
		security.SecurityHeaders(),
		corsMiddleware,
		security.TrustedHosts(cfg.Security.AllowedHosts, events),
		security.RequestSize(cfg.Security.MaxRequestSize, events),
	)
	h.RegisterRoutes(router)
	return router, nil
}
