package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

// extractKey pulls the credential out of whichever header the configured
// scheme names: "bearer" reads Authorization: Bearer <key>, "x-api-key"
// reads the X-API-Key header directly (spec.md §6).
func extractKey(c *gin.Context, scheme string) string {
	if scheme == "x-api-key" {
		return c.GetHeader("X-API-Key")
	}
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return ""
}

// constantTimeMatch reports whether key equals any member of keys, using
// subtle.ConstantTimeCompare per key and no early exit on a match, so
// timing does not reveal which key matched. Configured keys whose length
// differs from key are skipped without a compare.
func constantTimeMatch(key string, keys []string) bool {
	found := false
	for _, k := range keys {
		if len(k) != len(key) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			found = true
		}
	}
	return found
}

// RequireAPIKey builds a middleware that rejects requests whose bearer
// token or X-API-Key header doesn't constant-time-match the configured
// key set (spec.md §6: "Keys are compared in constant time against a
// configured set. Missing/invalid → HTTP 401."). There is no account
// model here — a matching key is just authorized, full stop.
func RequireAPIKey(scheme string, keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractKey(c, scheme)
		if key == "" || !constantTimeMatch(key, keys) {
			c.AbortWithStatusJSON(401, gin.H{
				"error": gin.H{
					"type":    "authentication_error",
					"message": "missing or invalid API key",
				},
			})
			return
		}
		c.Next()
	}
}
