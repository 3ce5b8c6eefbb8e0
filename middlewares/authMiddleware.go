package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/pos_sync/utils"
)

// AuthMiddleware accepts the session token as a bearer token too, by copying it
// to the "token" header SessionMiddleware reads.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("token") == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				if token := strings.TrimSpace(auth[7:]); token != "" {
					c.Request.Header.Set("token", token)
				}
			}
		}
		c.Next()
	}
}

// RequireTenant rejects requests SessionMiddleware did not resolve to a shop.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetTenantIdFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}
