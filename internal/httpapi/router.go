package httpapi

import (
	"net/http"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/ToughenFlat/chatgpt-back/internal/httpapi/handlers"
	"github.com/ToughenFlat/chatgpt-back/internal/httpapi/middleware"
	"github.com/gin-gonic/gin"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())
	r.Use(middleware.SlowRequests(2 * time.Second))

	r.GET("/ping", h.Ping)
	r.GET("/chat/types", h.ListSessionTypes)

	// everything below acts on behalf of a user
	userGroup := r.Group("/")
	userGroup.Use(middleware.UserID())

	userGroup.PUT("/users/me/credentials/:provider", h.SetUserCredential)

	userGroup.POST("/chat/completions", h.OneShot)
	userGroup.POST("/chat/sessions", h.CreateChatSession)
	userGroup.GET("/chat/sessions", h.ListChatSessions)
	userGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	userGroup.GET("/chat/sessions/:session_id/turns", h.ListChatTurns)
	userGroup.POST("/chat/sessions/:session_id/turns", h.SendChatTurn)
	userGroup.POST("/chat/sessions/:session_id/truncate", h.TruncateChatSession)
	userGroup.POST("/chat/sessions/:session_id/turns/async", h.SendChatTurnAsync)
	userGroup.GET("/chat/jobs/:job_id", h.GetChatJob)

	// streams: open first, then bind a message to the handle
	userGroup.GET("/chat/streams", h.OpenStream)
	userGroup.POST("/chat/streams/:handle/bind", h.BindStream)
	userGroup.POST("/chat/streams/:handle/game", h.StartGame)
	userGroup.DELETE("/chat/streams/:handle", h.InvalidateStream)
	return r
}
