package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/utils"
)

// RevokedTokenKey is the Redis key the shop backend sets when a session is
// logged out before it expires.
func RevokedTokenKey(token string) string {
	return "RevokedToken:" + token
}

// SessionMiddleware resolves the "token" header into the request context. A
// request without a token passes through untouched; an invalid or revoked token
// is rejected.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		if _, revoked, err := config.GetRedisValue(ctx, RevokedTokenKey(token)); err != nil || revoked {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claims, err := utils.JwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetTenantIdInContext(ctx, claims.TenantId)
		ctx = utils.SetUserIdInContext(ctx, claims.UserId)
		ctx = utils.SetDeviceIdInContext(ctx, claims.DeviceId)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
