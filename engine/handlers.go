package engine

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/middlewares"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
)

type bindSessionRequest struct {
	Token string `json:"token"`
}

type resyncRequest struct {
	Kinds []models.EntityKind `json:"kinds"`
}

// RegisterRoutes mounts the device admin endpoints under /sync.
func (e *Engine) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/sync")
	g.POST("/session", e.BindSessionHandler())
	g.DELETE("/session", e.ClearSessionHandler())
	g.GET("/status", e.StatusHandler())
	g.POST("/refresh", e.RefreshHandler())
	g.GET("/pending", e.PendingHandler())
	g.GET("/failed", e.FailedHandler())
	g.POST("/failed/retry", e.RetryFailedHandler())
	g.DELETE("/queue", e.ClearQueueHandler())
	g.POST("/resync", e.ResyncHandler())
	g.POST("/push-pending", e.PushPendingHandler())
}

func writeError(c *gin.Context, err error) {
	switch syncerr.KindOf(err) {
	case syncerr.KindUnauthenticated:
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case syncerr.KindValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// authorized rejects requests carrying a session of another shop than the bound one.
func (e *Engine) authorized(c *gin.Context) bool {
	if _, err := e.deps.Session.TenantID(c.Request.Context()); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

func (e *Engine) BindSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bindSessionRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		token := strings.TrimSpace(req.Token)
		if token == "" {
			// the caller's own session, resolved by the session middleware
			token, _ = utils.GetTokenFromContext(c.Request.Context())
		}
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
			return
		}
		claims, err := e.deps.Session.BindToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant_id": claims.TenantId, "user_id": claims.UserId})
	}
}

func (e *Engine) ClearSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		claims, token := e.deps.Session.Claims(), e.deps.Session.Token()
		e.deps.Session.Clear()
		if token != "" && claims != nil {
			// revoke until the token would have expired anyway
			ttl := time.Until(time.Unix(claims.ExpiresAt, 0))
			if ttl > 0 {
				if err := config.SetRedisValue(c.Request.Context(), middlewares.RevokedTokenKey(token), "1", ttl); err != nil {
					config.LogError(e.logger, "Engine", "ClearSessionHandler", "revoke token", nil, err)
				}
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (e *Engine) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, e.Status())
	}
}

func (e *Engine) RefreshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		if err := e.RefreshNow(c.Request.Context()); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, e.coord.Status())
	}
}

func (e *Engine) PendingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		ops, err := e.PendingOps()
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": ops})
	}
}

func (e *Engine) FailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		ops, err := e.FailedOps()
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": ops})
	}
}

func (e *Engine) RetryFailedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		n, err := e.RetryFailed(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"requeued": n})
	}
}

func (e *Engine) ClearQueueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		n, err := e.ClearQueue(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": n})
	}
}

func (e *Engine) ResyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		var req resyncRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}
		n, err := e.RequestFullResync(c.Request.Context(), req.Kinds...)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queued": n})
	}
}

func (e *Engine) PushPendingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !e.authorized(c) {
			return
		}
		pushed, err := e.PushPending(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"pushed": pushed, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pushed": pushed})
	}
}
