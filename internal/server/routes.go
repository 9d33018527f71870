package server

import (
	"net/http"

	"brm-buddy/internal/api"
	"brm-buddy/internal/websocket"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes wires the console: one POST route per action, the console
// socket, and a fallback that serves static files for GET and the
// unknown-action reply for any other POST.
func RegisterRoutes(r *gin.Engine, h *api.Handler, console *websocket.Console, static http.Handler) {
	for _, name := range h.ActionNames() {
		r.POST("/"+name, h.HandleAction)
	}
	r.GET("/ws", console.Handle)

	serveStatic := gin.WrapH(static)
	r.NoRoute(func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead:
			serveStatic(c)
		case http.MethodPost:
			h.HandleAction(c)
		default:
			h.HandleUnsupported(c)
		}
	})
}
