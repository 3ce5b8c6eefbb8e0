package catalogsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/pos_sync/conflict"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/utils"
)

// RegisterRoutes mounts the catalog endpoints on rg. rg is expected to carry the
// auth middleware that puts the tenant in the request context.
func (s *Service) RegisterRoutes(rg *gin.RouterGroup) {
	g := rg.Group("/catalog")
	g.GET("/status", s.StatusHandler())
	g.POST("/connect", s.ConnectHandler())
	g.POST("/disconnect", s.DisconnectHandler())
	g.PUT("/settings", s.UpdateSettingsHandler())
	g.POST("/sync", s.TriggerSyncHandler())
	g.GET("/sync/history", s.SyncHistoryHandler())
	g.GET("/sync/:id", s.SyncRunDetailHandler())
	g.POST("/sync/:id/retry", s.RetrySyncRunHandler())
	g.GET("/conflicts", s.ConflictsHandler())
	g.POST("/conflicts/:id/resolve", s.ResolveConflictHandler())
	g.GET("/mappings", s.MappingsHandler())
}

func tenantOf(c *gin.Context) (string, bool) {
	tenantID, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(tenantID) == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return tenantID, true
}

func idParam(c *gin.Context, msg string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return 0, false
	}
	return uint(id), true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Service) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		conn, err := s.store.Connection(c.Request.Context(), tenantID)
		if err != nil {
			writeError(c, err)
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.IntegrationStatusDisconnected},
				Settings:   DefaultSettings(),
			})
			return
		}
		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:    conn.Status,
				StoreId:   conn.StoreId,
				StoreName: conn.StoreName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Settings:          DecodeSettings(conn.SettingsJSON),
		})
	}
}

func (s *Service) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.StoreId) == "" || strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storeId and apiKey are required"})
			return
		}
		if _, err := s.Connect(c.Request.Context(), tenantID, req); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (s *Service) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		if err := s.Disconnect(c.Request.Context(), tenantID); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (s *Service) UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		strategy := conflict.Manual
		if strings.TrimSpace(req.Strategy) != "" {
			st, err := conflict.ParseStrategy(req.Strategy)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			strategy = st
		}
		if err := s.UpdateSettings(c.Request.Context(), tenantID, Settings{Modules: req.Modules, Strategy: strategy}); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (s *Service) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		run, err := s.TriggerRun(c.Request.Context(), tenantID, models.SyncTriggeredManual, nil)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func (s *Service) SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}
		runs, err := s.store.ListRuns(c.Request.Context(), tenantID, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func (s *Service) SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		id, ok := idParam(c, "invalid run id")
		if !ok {
			return
		}
		run, err := s.store.Run(c.Request.Context(), tenantID, id)
		if err != nil {
			writeError(c, err)
			return
		}
		if run == nil {
			writeError(c, ErrNotFound)
			return
		}
		errs, err := s.store.RunErrors(c.Request.Context(), tenantID, run.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Errors:          mapErrors(errs),
		})
	}
}

func (s *Service) RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		id, ok := idParam(c, "invalid run id")
		if !ok {
			return
		}
		run, err := s.store.Run(c.Request.Context(), tenantID, id)
		if err != nil {
			writeError(c, err)
			return
		}
		if run == nil {
			writeError(c, ErrNotFound)
			return
		}
		newRun, err := s.TriggerRun(c.Request.Context(), tenantID, models.SyncTriggeredRetry, &run.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

func (s *Service) ConflictsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		recs, err := s.DetectConflicts(c.Request.Context(), tenantID)
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]ConflictResponse, 0, len(recs))
		for _, r := range recs {
			out = append(out, ConflictResponse{
				LocalId:           r.LocalId,
				ExternalId:        r.ExternalId,
				Fields:            r.Fields,
				Local:             r.Local,
				External:          r.External,
				LocalUpdatedAt:    r.LocalUpdatedAt,
				ExternalUpdatedAt: r.ExternalUpdatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": out})
	}
}

func (s *Service) ResolveConflictHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		id, ok := idParam(c, "invalid mapping id")
		if !ok {
			return
		}
		var req ResolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		strategy, err := conflict.ParseStrategy(req.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		outcome, err := s.ResolveConflict(c.Request.Context(), tenantID, id, strategy)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcome": outcome.String()})
	}
}

func (s *Service) MappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, ok := tenantOf(c)
		if !ok {
			return
		}
		var statuses []models.MappingStatus
		if v := strings.TrimSpace(c.Query("status")); v != "" {
			for _, st := range strings.Split(v, ",") {
				statuses = append(statuses, models.MappingStatus(strings.TrimSpace(st)))
			}
		}
		items, err := s.Mappings(c.Request.Context(), tenantID, statuses...)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.IntegrationSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ConflictCount: run.ConflictCount,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(list []models.IntegrationSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(list))
	for _, e := range list {
		out = append(out, SyncErrorResponse{
			ID:         e.ID,
			EntityType: e.EntityType,
			ExternalId: e.ExternalId,
			Code:       e.ErrorCode,
			Message:    e.Message,
			Retryable:  e.Retryable,
		})
	}
	return out
}
