// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file authenticates callers with Firebase ID tokens. A verified uid is
// stored under the "userID" context key, which the rate limiter, idempotency
// ledger, and access logs already key on.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenVerifier checks a bearer token and returns the caller's uid.
type TokenVerifier func(ctx context.Context, token string) (string, error)

// AuthOptions configures Auth.
type AuthOptions struct {
	// Required rejects requests without a valid token. When false, a missing
	// token is allowed through anonymously, but a bad one is still rejected.
	Required bool
	// OwnerParam names the path parameter that must match the verified uid.
	// Empty disables the check.
	OwnerParam string
	// Skip exempts requests such as probes, public assets, and preflights.
	Skip func(*gin.Context) bool
}

const userIDKey = "userID"

// Auth verifies "Authorization: Bearer <id token>" with verify.
func Auth(verify TokenVerifier, opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Skip != nil && opts.Skip(c) {
			c.Next()
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" || verify == nil {
			if opts.Required {
				abortAuth(c, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			c.Next()
			return
		}

		uid, err := verify(c.Request.Context(), token)
		if err != nil || uid == "" {
			LoggerFrom(c).Warn().Err(err).Msg("id token rejected")
			abortAuth(c, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		c.Set(userIDKey, uid)

		if opts.OwnerParam != "" {
			if owner := c.Param(opts.OwnerParam); owner != "" && owner != uid {
				abortAuth(c, http.StatusForbidden, "forbidden", "token does not match user")
				return
			}
		}
		c.Next()
	}
}

// AuthenticatedUser returns the uid set by Auth, if any.
func AuthenticatedUser(c *gin.Context) (string, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func abortAuth(c *gin.Context, status int, code, msg string) {
	rid, _ := c.Get(requestIDKey)
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": asString(rid),
		"code":       code,
		"message":    msg,
		"data":       gin.H{"error": msg},
	})
}
