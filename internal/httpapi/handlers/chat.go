package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/ToughenFlat/chatgpt-back/internal/chat"
	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/gin-gonic/gin"
)

func (h *Handler) ListSessionTypes(c *gin.Context) {
	common.OK(c, gin.H{"types": h.ChatSvc.SessionTypes()})
}

type oneShotReq struct {
	Type     int    `json:"type"`
	Message  string `json:"message" binding:"required"`
	APIKey   string `json:"api_key"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) OneShot(c *gin.Context) {
	uid, _ := userIDFromContext(c)

	var req oneShotReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	reply, err := h.ChatSvc.SubmitOneShot(c.Request.Context(), chat.OneShotRequest{
		UserID:     uid,
		Type:       req.Type,
		Message:    req.Message,
		Credential: req.APIKey,
		Provider:   req.Provider,
		Model:      req.Model,
	})
	if err != nil {
		writeError(c, "OneShot", err)
		return
	}
	common.OK(c, reply)
}

type createSessionReq struct {
	Name     string `json:"name"`
	Type     int    `json:"type"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, _ := userIDFromContext(c)

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Name, req.Type, req.Provider, req.Model)
	if err != nil {
		writeError(c, "CreateChatSession", err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid)
	if err != nil {
		writeError(c, "ListChatSessions", err)
		return
	}
	common.OK(c, gin.H{"sessions": sessions})
}

type sendTurnReq struct {
	Message string `json:"message" binding:"required"`
	Type    *int   `json:"type"`
	APIKey  string `json:"api_key"`
}

func (h *Handler) SendChatTurn(c *gin.Context) {
	uid, _ := userIDFromContext(c)

	var req sendTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	reply, err := h.ChatSvc.SubmitSessionTurn(c.Request.Context(), chat.TurnRequest{
		UserID:     uid,
		SessionID:  c.Param("session_id"),
		Type:       req.Type,
		Message:    req.Message,
		Credential: req.APIKey,
	})
	if err != nil {
		writeError(c, "SendChatTurn", err)
		return
	}
	common.OK(c, reply)
}

func (h *Handler) ListChatTurns(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	sessionID := c.Param("session_id")

	turns, err := h.ChatSvc.ListTurns(c.Request.Context(), uid, sessionID)
	if err != nil {
		writeError(c, "ListChatTurns", err)
		return
	}
	common.OK(c, gin.H{"session_id": sessionID, "turns": turns})
}

func (h *Handler) TruncateChatSession(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	if err := h.ChatSvc.TruncateSession(c.Request.Context(), uid, c.Param("session_id")); err != nil {
		writeError(c, "TruncateChatSession", err)
		return
	}
	common.OK(c, nil)
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, c.Param("session_id")); err != nil {
		writeError(c, "DeleteChatSession", err)
		return
	}
	common.OK(c, nil)
}

func (h *Handler) SendChatTurnAsync(c *gin.Context) {
	type reqBody struct {
		Message string `json:"message" binding:"required"`
	}
	var req reqBody

	uid, _ := userIDFromContext(c)
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	sessionID := c.Param("session_id")
	j, created, err := h.ChatSvc.EnqueueTurn(c.Request.Context(), uid, sessionID, req.Message, idempoKey)
	if err != nil {
		log.Printf("[SendChatTurnAsync] EnqueueTurn failed uid=%d session_id=%s key=%s err=%v", uid, sessionID, idempoKey, err)
		writeError(c, "SendChatTurnAsync", err)
		return
	}
	common.OK(c, gin.H{"job_id": j.ID, "created": created})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	jobID := c.Param("job_id")

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		writeError(c, "GetChatJob", err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":             j.ID,
			"session_id":     j.SessionID,
			"status":         j.Status,
			"result_turn_id": j.ResultTurnID,
			"error":          j.Error,
			"created_at":     j.CreatedAt,
			"updated_at":     j.UpdatedAt,
		},
	})
}
