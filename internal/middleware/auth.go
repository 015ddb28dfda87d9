package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dialogue-server/internal/models"
)

// Gin context keys populated by Auth.
const (
	ContextPlayerIDKey   = "playerID"
	ContextPlayerNameKey = "playerName"
	ContextRolesKey      = "playerRoles"
)

// TokenVerifier validates a token string and returns its claims.
type TokenVerifier func(ctx context.Context, tokenString string) (*models.Claims, error)

// Auth creates a gin middleware that verifies the bearer JWT and stores the
// player identity in the request context. Websocket clients cannot set an
// Authorization header from the browser, so a "token" query parameter is
// accepted as a fallback.
func Auth(verifier TokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.With(zap.String("path", c.Request.URL.Path))

		tokenString := bearerToken(c.GetHeader("Authorization"))
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			log.Warn("Authorization missing")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := verifier(c.Request.Context(), tokenString)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			switch {
			case errors.Is(err, models.ErrTokenExpired):
				msg = "token expired"
			case errors.Is(err, models.ErrTokenMalformed), errors.Is(err, models.ErrTokenInvalid):
			default:
				log.Error("Unexpected token verification error", zap.Error(err))
				status = http.StatusInternalServerError
				msg = "token verification failed"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set(ContextPlayerIDKey, claims.Email)
		name := claims.DisplayName
		if name == "" {
			name = claims.Email
		}
		c.Set(ContextPlayerNameKey, name)
		c.Set(ContextRolesKey, claims.Roles)

		log.Debug("Player authorized", zap.String("playerID", claims.Email))
		c.Next()
	}
}

// PlayerID extracts the authenticated player identifier from the context.
func PlayerID(c *gin.Context) string {
	return c.GetString(ContextPlayerIDKey)
}

// PlayerName extracts the authenticated player display name.
func PlayerName(c *gin.Context) string {
	return c.GetString(ContextPlayerNameKey)
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
