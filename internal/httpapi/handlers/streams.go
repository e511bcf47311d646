package handlers

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/chat"
	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/ToughenFlat/chatgpt-back/internal/keypool"
	"github.com/ToughenFlat/chatgpt-back/internal/stream"
	"github.com/gin-gonic/gin"
)

// OpenStream holds an SSE connection open. The first event carries the
// handle id; a later bind request starts the exchange that feeds it.
func (h *Handler) OpenStream(c *gin.Context) {
	sink, err := stream.NewSSESink(c.Writer)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "streaming not supported")
		return
	}
	defer sink.Close()
	id, err := h.ChatSvc.OpenStreamHandle(sink)
	if err != nil {
		log.Printf("[OpenStream] open failed err=%v", err)
		return
	}
	done, err := h.ChatSvc.HandleDone(id)
	if err != nil {
		return
	}

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = h.ChatSvc.DisconnectHandle(id)
			return
		case <-ticker.C:
			if err := sink.Heartbeat(); err != nil {
				_ = h.ChatSvc.DisconnectHandle(id)
				return
			}
		}
	}
}

func handleParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("handle"), 10, 64)
	if err != nil || id <= 0 {
		common.Fail(c, http.StatusBadRequest, 10007, "invalid stream handle")
		return 0, false
	}
	return id, true
}

type bindReq struct {
	SessionID string `json:"session_id"`
	Type      *int   `json:"type"`
	Message   string `json:"message" binding:"required"`
	APIKey    string `json:"api_key"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

func (h *Handler) BindStream(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	id, ok := handleParam(c)
	if !ok {
		return
	}
	var req bindReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	err := h.ChatSvc.BindStream(c.Request.Context(), chat.BindRequest{
		HandleID:   id,
		UserID:     uid,
		SessionID:  req.SessionID,
		Type:       req.Type,
		Message:    req.Message,
		Credential: req.APIKey,
		Provider:   req.Provider,
		Model:      req.Model,
		Policy:     keypool.RoundRobin,
	})
	if err != nil {
		writeError(c, "BindStream", err)
		return
	}
	common.OK(c, gin.H{"handle": strconv.FormatInt(id, 10)})
}

type startGameReq struct {
	SessionID string `json:"session_id"`
	StoryType string `json:"story_type"`
	APIKey    string `json:"api_key"`
}

func (h *Handler) StartGame(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	id, ok := handleParam(c)
	if !ok {
		return
	}
	var req startGameReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	err := h.ChatSvc.StartGame(c.Request.Context(), chat.GameRequest{
		HandleID:   id,
		UserID:     uid,
		SessionID:  req.SessionID,
		StoryType:  req.StoryType,
		Credential: req.APIKey,
	})
	if err != nil {
		writeError(c, "StartGame", err)
		return
	}
	common.OK(c, gin.H{"handle": strconv.FormatInt(id, 10)})
}

func (h *Handler) InvalidateStream(c *gin.Context) {
	id, ok := handleParam(c)
	if !ok {
		return
	}
	if err := h.ChatSvc.InvalidateHandle(id); err != nil {
		writeError(c, "InvalidateStream", err)
		return
	}
	common.OK(c, nil)
}
