package auth

import (
	"bytes"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/quietguard/internal/clock"
	"github.com/mbd888/quietguard/internal/webhooks"
)

// RequireToken rejects requests without the bearer token. An empty token
// disables the check.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if err := CheckToken(c.GetHeader("Authorization"), token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Include 'Authorization: Bearer <API_TOKEN>'.",
			})
			return
		}
		c.Next()
	}
}

// RequireSignature verifies host callbacks signed with secret and restores
// the body for the handler. An empty secret disables the check.
func RequireSignature(secret string, clk clock.Clock) gin.HandlerFunc {
	if clk == nil {
		clk = clock.System{}
	}
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Could not read request body",
			})
			return
		}
		err = CheckSignature(body,
			secret,
			c.GetHeader(webhooks.HeaderSignature),
			c.GetHeader(webhooks.HeaderTimestamp),
			clk.Now(),
		)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": err.Error(),
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
