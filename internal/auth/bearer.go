package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// callerCtxKey is the Gin context key holding the name of the authenticated caller.
const callerCtxKey = "caller"

// BearerSecret guards operator routes (cron trigger, admin) with a shared secret sent
// as "Authorization: Bearer <secret>". An empty secret locks the routes entirely.
func BearerSecret(secret, caller string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(callerCtxKey, caller)
		c.Next()
	}
}

// Caller returns the caller name set by BearerSecret, or "" on unauthenticated routes.
func Caller(c *gin.Context) string {
	v, _ := c.Get(callerCtxKey)
	s, _ := v.(string)
	return s
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
