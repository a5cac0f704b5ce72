package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/blake2b"
)

// APIToken requires "Authorization: Bearer <token>" on every request it
// guards. An empty token disables the check.
func APIToken(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := blake2b.Sum256([]byte(token))

	return func(c *gin.Context) {
		got, ok := bearer(c.GetHeader("Authorization"))
		sum := blake2b.Sum256([]byte(got))
		if !ok || subtle.ConstantTimeCompare(sum[:], want[:]) != 1 {
			c.Header("WWW-Authenticate", `Bearer realm="restora"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":      "missing or invalid API token",
				"hint":       "set client.api_token to the server's server.api_token",
				"request_id": c.GetString(RequestIDKey),
			})
			return
		}
		c.Next()
	}
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
