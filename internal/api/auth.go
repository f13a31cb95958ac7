package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

const callerKey = "caller"

// authorize accepts the static API key or an HS256 JWT signed with the
// configured secret. With neither configured every request passes.
func (h *Handler) authorize(c *gin.Context) {
	if h.opts.APIKey == "" && h.opts.JWTSecret == "" {
		c.Next()
		return
	}

	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.opts.APIKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.APIKey)) == 1 {
		c.Set(callerKey, "api-key")
		c.Next()
		return
	}

	if h.opts.JWTSecret != "" {
		subject, err := verifyToken(token, h.opts.JWTSecret)
		if err == nil {
			c.Set(callerKey, subject)
			c.Next()
			return
		}
		h.logger.WithError(err).Debug("Rejected bearer token")
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// verifyToken checks signature and expiry and returns the sub claim
func verifyToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to verify token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("sub claim not found or not a string")
	}
	return sub, nil
}
