package controlplane

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var errUnauthorized = errors.New("unauthorized")

// TokenAuth accepts the token as a bearer header or a token query parameter.
// An empty token disables auth.
func TokenAuth(token string) gin.HandlerFunc {
	if token == "" {
		slog.Warn("control plane auth disabled")
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			slog.Debug("control plane invalid token", "ip", c.ClientIP(), "path", c.FullPath())
			AbortWithError(c, http.StatusUnauthorized, ErrCodeUnauthorized, errUnauthorized)
			return
		}
		c.Next()
	}
}
