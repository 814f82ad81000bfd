package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/swiftgrid/worker/internal/platform/logger"
)

// Claims is the control API's bearer token shape: a registered-claims JWT
// identifying the calling service or operator, no per-user session state.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthMiddleware gates every /api/v1 route behind a bearer JWT signed with
// the shared control-plane secret.
type AuthMiddleware struct {
	log    *logger.Logger
	secret string
}

func NewAuthMiddleware(log *logger.Logger, secret string) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("component", "control_api_auth"), secret: secret}
}

func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if token == "" {
			respondError(c, http.StatusUnauthorized, "missing_token", fmt.Errorf("missing or invalid Authorization header"))
			c.Abort()
			return
		}
		parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(m.secret), nil
		})
		if err != nil || !parsed.Valid {
			respondError(c, http.StatusUnauthorized, "invalid_token", fmt.Errorf("invalid or expired token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}
