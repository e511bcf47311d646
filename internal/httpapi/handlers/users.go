package handlers

import (
	"net/http"

	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/gin-gonic/gin"
)

type setCredentialReq struct {
	APIKey string `json:"api_key"`
}

// SetUserCredential stores the caller's own key for a provider. An empty
// key keeps the record but sends the user back to the system pool.
func (h *Handler) SetUserCredential(c *gin.Context) {
	uid, _ := userIDFromContext(c)

	var req setCredentialReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	provider := c.Param("provider")
	if err := h.ChatSvc.SetUserCredential(c.Request.Context(), uid, provider, req.APIKey); err != nil {
		writeError(c, "SetUserCredential", err)
		return
	}
	common.OK(c, gin.H{"provider": provider, "has_key": req.APIKey != ""})
}
