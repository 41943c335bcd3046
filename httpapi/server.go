// Package httpapi implements the External facade's HTTP transport
// (spec.md §6.2, SPEC_FULL.md table B): CORS-enabled REST endpoints for
// pull/list/delete/load plus an SSE token stream for generate. Grounded
// on the teacher's server.Server.GenerateRoutes (gin.Default(), the
// CORS middleware setup, and the allowed-hosts middleware), narrowed
// from Ollama's full chat/embeddings/vision API surface to the
// operations spec.md §6.2 names.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dreamer-doppler/doppler"
)

// Server wires a doppler.Engine to an HTTP router.
type Server struct {
	engine *doppler.Engine
}

// New builds a Server over engine. Call Router to obtain the
// http.Handler to serve.
func New(engine *doppler.Engine) *Server {
	return &Server{engine: engine}
}

// Router builds the gin router, mirroring the teacher's
// GenerateRoutes: a permissive CORS policy suitable for a browser
// caller, then one route per spec.md §6.2 operation.
func (s *Server) Router() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}

	r := gin.Default()
	r.Use(cors.New(corsConfig))

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "doppler is running") })
	r.POST("/api/device/init", s.initDeviceHandler)
	r.POST("/api/pull", s.pullHandler)
	r.POST("/api/pull/pause", s.pauseHandler)
	r.POST("/api/pull/resume", s.resumeHandler)
	r.GET("/api/tags", s.listModelsHandler)
	r.DELETE("/api/delete", s.deleteModelHandler)
	r.GET("/api/storage", s.storageHandler)
	r.POST("/api/load", s.loadModelHandler)
	r.POST("/api/generate", s.generateHandler)

	return r
}
