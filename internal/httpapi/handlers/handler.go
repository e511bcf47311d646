package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/ai"
	"github.com/ToughenFlat/chatgpt-back/internal/chat"
	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/ToughenFlat/chatgpt-back/internal/conversation"
	"github.com/ToughenFlat/chatgpt-back/internal/httpapi/middleware"
	"github.com/ToughenFlat/chatgpt-back/internal/keypool"
	"github.com/ToughenFlat/chatgpt-back/internal/stream"
	"github.com/gin-gonic/gin"
)

type Handler struct {
	ChatSvc *chat.Service
	// Heartbeat is the interval of keep-alive comments on open streams.
	Heartbeat time.Duration
}

func NewHandler(svc *chat.Service) *Handler {
	return &Handler{ChatSvc: svc, Heartbeat: 15 * time.Second}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true, "ts": time.Now().Unix()})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// writeError maps service errors to status and business code.
func writeError(c *gin.Context, op string, err error) {
	var (
		budgetErr *conversation.BudgetExceededError
		cfgErr    *keypool.ConfigurationError
		upErr     *ai.UpstreamError
		sinkErr   *stream.SinkWriteError
	)
	switch {
	case errors.As(err, &budgetErr):
		common.Fail(c, http.StatusBadRequest, 40010, budgetErr.Error())
	case errors.As(err, &cfgErr):
		common.Fail(c, http.StatusInternalServerError, 50003, "no usable api key for "+cfgErr.Provider)
	case errors.As(err, &upErr):
		log.Printf("[%s] upstream failed request_id=%s err=%v", op, c.GetString(middleware.RequestIDKey), err)
		common.Fail(c, http.StatusBadGateway, 50201, "upstream call failed")
	case errors.Is(err, context.DeadlineExceeded):
		common.Fail(c, http.StatusGatewayTimeout, 50401, "upstream call timed out")
	case errors.Is(err, stream.ErrHandleNotFound):
		common.Fail(c, http.StatusNotFound, 40403, "stream handle not found, open a new one")
	case errors.As(err, &sinkErr):
		common.Fail(c, http.StatusGone, 41001, "stream client disconnected")
	case errors.Is(err, chat.ErrSessionNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "session not found")
	case errors.Is(err, chat.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
	case errors.Is(err, chat.ErrEmptyMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "message is required")
	case errors.Is(err, conversation.ErrUnknownSessionType):
		common.Fail(c, http.StatusBadRequest, 10004, "unknown session type")
	case errors.Is(err, ai.ErrUnknownProvider):
		common.Fail(c, http.StatusBadRequest, 10005, "unknown provider")
	case errors.Is(err, chat.ErrStreamUnsupported):
		common.Fail(c, http.StatusBadRequest, 10006, "provider does not support streaming")
	default:
		log.Printf("[%s] failed request_id=%s err=%v", op, c.GetString(middleware.RequestIDKey), err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
