package api

import (
	"github.com/gin-gonic/gin"

	"github.com/crewd/crewd/internal/common/httpmw"
	"github.com/crewd/crewd/internal/common/logger"
)

// NewRouter builds the gin engine with the standard middleware stack and
// every API route registered.
func NewRouter(handlers *Handlers, log *logger.Logger, debug bool) *gin.Engine {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing("crewd"))

	handlers.RegisterRoutes(router)
	return router
}
