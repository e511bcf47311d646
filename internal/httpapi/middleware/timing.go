package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// SlowRequests logs requests that took longer than threshold. Stream
// opens are long-lived by nature and skipped.
func SlowRequests(threshold time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		cost := time.Since(start)
		if cost < threshold || c.Writer.Header().Get("Content-Type") == "text/event-stream" {
			return
		}
		log.Printf("slow_request request_id=%s method=%s path=%s status=%d cost=%s",
			c.GetString(RequestIDKey), c.Request.Method, c.FullPath(), c.Writer.Status(), cost)
	}
}
