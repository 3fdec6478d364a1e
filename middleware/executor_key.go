package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ExecutorKeyMiddleware guards the internal executor callback endpoints. The
// executor presents a shared key in X-Executor-Key which is checked against
// the configured bcrypt hash; an empty hash disables the callbacks entirely.
func ExecutorKeyMiddleware(keyHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if keyHash == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "executor callbacks disabled",
				"message": "EXECUTOR_KEY_HASH is not configured",
			})
			c.Abort()
			return
		}

		key := c.GetHeader("X-Executor-Key")
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Executor-Key header is required",
			})
			c.Abort()
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid executor key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
