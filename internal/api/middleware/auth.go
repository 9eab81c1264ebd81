package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/config"
	"github.com/keyrotor/keyrotor/internal/logging"
	"github.com/keyrotor/keyrotor/internal/util"
	"github.com/keyrotor/keyrotor/sdk/api/handlers"
)

// AccessTokenContextKey is the gin context key holding the authenticated access token.
const AccessTokenContextKey = "apiKey"

// AuthMiddleware checks the inbound bearer token against the configured access
// tokens. An empty token set disables the check. It runs before the request
// body is read, so rejected requests never reach the credential pool.
func AuthMiddleware(getConfig func() *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tokens []string
		if getConfig != nil {
			if cfg := getConfig(); cfg != nil {
				tokens = cfg.AccessTokens
			}
		}
		if len(tokens) == 0 {
			c.Next()
			return
		}

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortWithError(c, http.StatusUnauthorized, "Missing or malformed Authorization header")
			return
		}
		if !containsToken(tokens, token) {
			logging.WithContext(c.Request.Context()).WithField("token", util.HideAPIKey(token)).Warn("rejected unknown access token")
			abortWithError(c, http.StatusForbidden, "Invalid access token")
			return
		}
		c.Set(AccessTokenContextKey, token)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func containsToken(tokens []string, token string) bool {
	found := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			found = true
		}
	}
	return found
}

func abortWithError(c *gin.Context, status int, message string) {
	c.Abort()
	c.Data(status, "application/json", handlers.BuildErrorResponseBody(status, message))
}
