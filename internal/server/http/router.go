package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/exp/slog"

	"ChatAssistant/internal/config"
)

// NewRouter wires the JSON API, the WebSocket endpoint and the optional static
// front end. ws may be nil.
func NewRouter(log *slog.Logger, cfg config.HTTPServer, api *API, ws http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS(cfg.AllowedOrigins))

	router.GET("/health", api.health)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/chat", api.chat)
		apiGroup.POST("/clear", api.clear)
		apiGroup.GET("/history", api.history)
		apiGroup.GET("/history/:sessionId", api.history)
		apiGroup.POST("/feedback", api.feedback)
		apiGroup.GET("/unanswered", api.unanswered)
	}

	if ws != nil {
		router.GET("/ws", gin.WrapH(ws))
	}

	if cfg.StaticDir != "" {
		files := http.FileServer(http.Dir(cfg.StaticDir))
		index := cfg.IndexPage
		if index == "" {
			index = "/index.html"
		}
		router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, index)
		})
		router.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet || strings.HasPrefix(c.Request.URL.Path, "/api/") {
				writeErr(c, http.StatusNotFound, "not found")
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	} else {
		router.NoRoute(func(c *gin.Context) {
			writeErr(c, http.StatusNotFound, "not found")
		})
	}

	return router
}
