package middleware

import (
	"net/http"
	"strconv"

	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/gin-gonic/gin"
)

const (
	UserIDHeader = "X-User-ID"
	UserIDKey    = "user_id"
)

// UserID takes the caller's user id from X-User-ID. Authentication happens
// in front of this service; requests without a valid id are rejected.
func UserID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.GetHeader(UserIDHeader), 10, 64)
		if err != nil || id == 0 {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			return
		}
		c.Set(UserIDKey, id)
		c.Next()
	}
}
