package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders adds the response headers every JSON API endpoint carries
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "no-referrer")
		// Call status is never cacheable
		h.Set("Cache-Control", "no-store")

		c.Next()
	}
}
