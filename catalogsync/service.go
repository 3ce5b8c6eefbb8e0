// Package catalogsync keeps customers and inventory items that also live in the
// commerce catalog consistent with it: imports, cross-system mappings, conflict
// detection and resolution.
package catalogsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/pos_sync/config"
	"github.com/mmdatafocus/pos_sync/conflict"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected  = errors.New("catalog is not connected")
	ErrRunInProgress = errors.New("another catalog run is in progress for this tenant")
	ErrNotFound      = errors.New("not found")

	errLocalDeleted = fmt.Errorf("%w locally", ErrNotFound)
)

const runLockTTL = 10 * time.Minute

// Dispatcher hands a queued run to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload RunPayload) error
}

type Options struct {
	// Locker serializes runs per tenant across agents. Nil disables locking.
	Locker     *redislock.Client
	Dispatcher Dispatcher
	// ClientFor builds the API client for a connection; defaults to the env-configured client.
	ClientFor func(conn *models.IntegrationConnection) (*Client, error)
	Logger    *logrus.Logger
	Now       func() time.Time
}

type Service struct {
	store    Store
	bindings []binding
	opts     Options
}

func NewService(store Store, customers Records[*models.Customer], items Records[*models.InventoryItem], opts Options) *Service {
	if opts.ClientFor == nil {
		opts.ClientFor = func(conn *models.IntegrationConnection) (*Client, error) {
			return newClientFromEnv(conn.AuthSecretRef)
		}
	}
	if opts.Logger == nil {
		opts.Logger = config.GetLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		bindings: []binding{customerBinding(customers), itemBinding(items)},
		opts:     opts,
	}
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func (s *Service) binding(kind string) binding {
	for _, b := range s.bindings {
		if string(b.Kind()) == kind {
			return b
		}
	}
	return nil
}

func (s *Service) Connect(ctx context.Context, tenantID string, req ConnectRequest) (*models.IntegrationConnection, error) {
	if strings.TrimSpace(req.StoreId) == "" || strings.TrimSpace(req.APIKey) == "" {
		return nil, errors.New("storeId and apiKey are required")
	}
	conn, err := s.store.Connection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		conn = &models.IntegrationConnection{
			TenantId:     tenantID,
			Provider:     models.IntegrationProviderCommerce,
			SettingsJSON: EncodeSettings(DefaultSettings()),
		}
	}
	storeName := strings.TrimSpace(req.StoreName)
	if storeName == "" {
		storeName = req.StoreId
	}
	conn.Status = models.IntegrationStatusConnected
	conn.AuthSecretRef = req.APIKey
	conn.StoreId = req.StoreId
	conn.StoreName = storeName
	if len(conn.SettingsJSON) == 0 {
		conn.SettingsJSON = EncodeSettings(DefaultSettings())
	}
	return conn, s.store.SaveConnection(ctx, conn)
}

func (s *Service) Disconnect(ctx context.Context, tenantID string) error {
	conn, err := s.store.Connection(ctx, tenantID)
	if err != nil || conn == nil {
		return err
	}
	conn.Status = models.IntegrationStatusDisconnected
	conn.AuthSecretRef = ""
	return s.store.SaveConnection(ctx, conn)
}

func (s *Service) UpdateSettings(ctx context.Context, tenantID string, settings Settings) error {
	if _, err := conflict.ParseStrategy(string(settings.Strategy)); err != nil {
		return err
	}
	conn, err := s.store.Connection(ctx, tenantID)
	if err != nil {
		return err
	}
	if conn == nil {
		conn = &models.IntegrationConnection{
			TenantId: tenantID,
			Provider: models.IntegrationProviderCommerce,
			Status:   models.IntegrationStatusDisconnected,
		}
	}
	conn.SettingsJSON = EncodeSettings(settings)
	return s.store.SaveConnection(ctx, conn)
}

// TriggerRun queues a reconcile run and dispatches it. A dispatch failure leaves
// the run queued for a retry.
func (s *Service) TriggerRun(ctx context.Context, tenantID, triggeredBy string, parent *uint) (*models.IntegrationSyncRun, error) {
	conn, err := s.store.Connection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.IntegrationStatusConnected {
		return nil, ErrNotConnected
	}
	run := &models.IntegrationSyncRun{
		TenantId:     tenantID,
		ConnectionId: conn.ID,
		Provider:     models.IntegrationProviderCommerce,
		Status:       models.SyncRunStatusQueued,
		TriggeredBy:  triggeredBy,
		ParentRunId:  parent,
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	if s.opts.Dispatcher != nil {
		payload := RunPayload{RunId: run.ID, TenantId: tenantID, ConnectionId: conn.ID}
		if err := s.opts.Dispatcher.Dispatch(ctx, payload); err != nil {
			config.LogError(s.opts.Logger, "CatalogSync", "TriggerRun", "dispatching run", payload, err)
		}
	}
	return run, nil
}

func (s *Service) lock(ctx context.Context, tenantID string) (func(), error) {
	if s.opts.Locker == nil {
		return func() {}, nil
	}
	lock, err := s.opts.Locker.Obtain(ctx, "catalogsync:"+tenantID, runLockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrRunInProgress
		}
		return nil, err
	}
	return func() { _ = lock.Release(context.WithoutCancel(ctx)) }, nil
}

type runStats struct {
	Synced    map[string]int `json:"synced"`
	Conflicts map[string]int `json:"conflicts"`
}

// ProcessRun executes a queued run: every enabled kind is paged from the catalog
// and reconciled against its mappings. Finished runs are left alone.
func (s *Service) ProcessRun(ctx context.Context, payload RunPayload) error {
	if payload.RunId == 0 || payload.TenantId == "" {
		return errors.New("invalid payload")
	}
	ctx = utils.SetTenantIdInContext(ctx, payload.TenantId)

	unlock, err := s.lock(ctx, payload.TenantId)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := s.store.Run(ctx, payload.TenantId, payload.RunId)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrNotFound
	}
	switch run.Status {
	case models.SyncRunStatusSuccess, models.SyncRunStatusFailed, models.SyncRunStatusPartial:
		return nil
	}

	conn, err := s.store.Connection(ctx, payload.TenantId)
	if err != nil {
		return err
	}
	if conn == nil || conn.Status != models.IntegrationStatusConnected {
		return ErrNotConnected
	}
	client, err := s.opts.ClientFor(conn)
	if err != nil {
		return err
	}
	defer client.Close()

	settings := DecodeSettings(conn.SettingsJSON)
	cursors := DecodeCursorState(conn.CursorStateJSON)

	started := s.now()
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	run.Status = models.SyncRunStatusRunning
	run.StartedAt = &started
	if err := s.store.SaveRun(ctx, run); err != nil {
		return err
	}

	stats := runStats{Synced: map[string]int{}, Conflicts: map[string]int{}}
	errorCount := 0
	for _, b := range s.bindings {
		if !b.Enabled(settings.Modules) {
			continue
		}
		kind := string(b.Kind())
		res, err := s.reconcileKind(ctx, run, client, b, cursors[kind], settings.Strategy)
		stats.Synced[kind] = res.synced
		stats.Conflicts[kind] = res.conflicts
		errorCount += res.errors
		if err != nil {
			errorCount++
			s.recordError(ctx, run, kind, "", "sync_failed", err, nil)
			continue
		}
		cursors[kind] = res.cursor
	}

	total, conflicts := 0, 0
	for k := range stats.Synced {
		total += stats.Synced[k]
		conflicts += stats.Conflicts[k]
	}
	finished := s.now()
	status := models.SyncRunStatusSuccess
	switch {
	case errorCount > 0 && total == 0:
		status = models.SyncRunStatusFailed
	case errorCount > 0:
		status = models.SyncRunStatusPartial
	}

	run.Status = status
	run.FinishedAt = &finished
	run.DurationMs = finished.Sub(started).Milliseconds()
	run.RecordsSynced = total
	run.ConflictCount = conflicts
	run.ErrorCount = errorCount
	run.StatsJSON, _ = json.Marshal(stats)
	if err := s.store.SaveRun(ctx, run); err != nil {
		return err
	}

	conn.LastSyncAt = &finished
	conn.CursorStateJSON = EncodeCursorState(cursors)
	if status == models.SyncRunStatusSuccess {
		conn.LastSuccessSyncAt = &finished
	}
	if err := s.store.SaveConnection(ctx, conn); err != nil {
		return err
	}

	s.opts.Logger.WithFields(logrus.Fields{
		"field":     "CatalogSync",
		"tenant_id": payload.TenantId,
		"run_id":    run.ID,
		"status":    status,
		"synced":    total,
		"conflicts": conflicts,
		"errors":    errorCount,
	}).Info("catalog run finished")
	return nil
}

type kindResult struct {
	synced    int
	conflicts int
	errors    int
	cursor    CursorEntry
}

func (s *Service) reconcileKind(ctx context.Context, run *models.IntegrationSyncRun, client *Client, b binding, cursor CursorEntry, strategy conflict.Strategy) (kindResult, error) {
	res := kindResult{cursor: cursor}
	kind := string(b.Kind())

	updatedSince := strings.TrimSpace(cursor.UpdatedSince)
	nextCursor := strings.TrimSpace(cursor.Cursor)
	highWater := updatedSince

	for {
		params := url.Values{}
		if updatedSince != "" {
			params.Set("updated_since", updatedSince)
		}
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		params.Set("limit", "200")

		resp, err := client.List(ctx, b.Path(), params)
		if err != nil {
			res.cursor = CursorEntry{UpdatedSince: updatedSince, Cursor: nextCursor}
			return res, err
		}

		for _, raw := range resp.records() {
			ext, err := b.decode(raw)
			if err != nil {
				res.errors++
				s.recordError(ctx, run, kind, "", "invalid_payload", err, raw)
				continue
			}
			if ext.ID == "" {
				res.errors++
				s.recordError(ctx, run, kind, "", "missing_id", errors.New("external id missing"), raw)
				continue
			}
			outcome, err := s.reconcileOne(ctx, client, b, run.TenantId, run.ConnectionId, ext, strategy)
			if err != nil {
				res.errors++
				s.recordError(ctx, run, kind, ext.ID, "sync_failed", err, raw)
				continue
			}
			res.synced++
			if outcome == outcomeConflict {
				res.conflicts++
			}
			if ext.UpdatedAt != nil {
				if ts := ext.UpdatedAt.Format(time.RFC3339Nano); ts > highWater {
					highWater = ts
				}
			}
		}

		if resp.done() {
			res.cursor = CursorEntry{UpdatedSince: highWater}
			return res, nil
		}
		nextCursor = resp.NextCursor
	}
}

type reconcileOutcome int

const (
	outcomeUnchanged reconcileOutcome = iota
	outcomeImported
	outcomeTookExternal
	outcomePushedLocal
	outcomeConflict
)

// reconcileOne brings one external record and its mapped local record together.
// A change on one side since the last sync is copied to the other; changes on both
// sides are a conflict, resolved by strategy unless it is manual. A mapping whose
// local record was deleted is retired and its external record is not imported again.
func (s *Service) reconcileOne(ctx context.Context, client *Client, b binding, tenantID string, connectionID uint, ext externalRecord, strategy conflict.Strategy) (reconcileOutcome, error) {
	m, err := s.store.MappingByExternal(ctx, tenantID, b.Kind(), ext.ID)
	if err != nil {
		return outcomeUnchanged, err
	}
	if m == nil {
		localID, localUpdated, err := b.importRecord(ctx, "", ext)
		if err != nil {
			return outcomeUnchanged, err
		}
		m = &models.IntegrationEntityMapping{
			TenantId:     tenantID,
			ConnectionId: connectionID,
			Provider:     models.IntegrationProviderCommerce,
			EntityType:   string(b.Kind()),
			LocalId:      localID,
			ExternalId:   ext.ID,
		}
		return outcomeImported, s.markSynced(ctx, m, localUpdated, ext.UpdatedAt)
	}

	if m.Status == models.MappingStatusDeleted {
		return outcomeUnchanged, nil
	}

	local, found, err := b.local(ctx, m.LocalId)
	if err != nil {
		return outcomeUnchanged, err
	}
	if !found {
		// deleted on this side; a delete is never undone by an import
		return outcomeUnchanged, s.markDeleted(ctx, m)
	}

	rec, diverged := b.Comparer().Detect(m.LocalId, ext.ID, shared(local.Fields, ext.Fields), ext.Fields, local.UpdatedAt, externalTime(ext, s.now()))
	if !diverged {
		return outcomeUnchanged, s.markSynced(ctx, m, local.UpdatedAt, ext.UpdatedAt)
	}

	if !conflict.IsTrueConflict(rec.LocalUpdatedAt, rec.ExternalUpdatedAt, m.LastSyncedAt) {
		if rec.LocalUpdatedAt.After(*m.LastSyncedAt) {
			return outcomePushedLocal, s.pushLocal(ctx, client, b, m)
		}
		_, localUpdated, err := b.importRecord(ctx, m.LocalId, ext)
		if err != nil {
			return outcomeUnchanged, err
		}
		return outcomeTookExternal, s.markSynced(ctx, m, localUpdated, ext.UpdatedAt)
	}

	if err := s.markConflict(ctx, m, rec.Fields); err != nil {
		return outcomeConflict, err
	}
	if strategy != conflict.Manual {
		if _, err := s.resolve(ctx, client, b, m, ext, rec, strategy); err != nil {
			return outcomeConflict, err
		}
	}
	return outcomeConflict, nil
}

func externalTime(ext externalRecord, fallback time.Time) time.Time {
	if ext.UpdatedAt != nil {
		return *ext.UpdatedAt
	}
	return fallback
}

// resolve applies strategy to one conflicted mapping. Anything but a deferral
// leaves the mapping synced with a fresh last-synced time.
func (s *Service) resolve(ctx context.Context, client *Client, b binding, m *models.IntegrationEntityMapping, ext externalRecord, rec conflict.Record, strategy conflict.Strategy) (conflict.Outcome, error) {
	outcome, err := conflict.Decide(strategy, rec)
	if err != nil {
		return outcome, err
	}
	switch outcome {
	case conflict.TakeExternal:
		_, localUpdated, err := b.importRecord(ctx, m.LocalId, ext)
		if err != nil {
			return outcome, err
		}
		err = s.markSynced(ctx, m, localUpdated, ext.UpdatedAt)
		return outcome, err
	case conflict.KeepLocal:
		return outcome, s.pushLocal(ctx, client, b, m)
	default:
		return outcome, nil
	}
}

func (s *Service) pushLocal(ctx context.Context, client *Client, b binding, m *models.IntegrationEntityMapping) error {
	fields, err := b.exportFields(ctx, m.LocalId)
	if err != nil {
		return err
	}
	raw, err := client.Update(ctx, b.Path(), m.ExternalId, fields)
	if err != nil {
		return err
	}
	var extUpdated *time.Time
	if len(raw) > 0 {
		if stored, err := b.decode(raw); err == nil {
			extUpdated = stored.UpdatedAt
		}
	}
	local, _, err := b.local(ctx, m.LocalId)
	if err != nil {
		return err
	}
	return s.markSynced(ctx, m, local.UpdatedAt, extUpdated)
}

// markSynced stamps the mapping synced. LastSyncedAt is never earlier than either
// side's update time, so only edits made after this point count as changes.
func (s *Service) markSynced(ctx context.Context, m *models.IntegrationEntityMapping, localUpdated time.Time, extUpdated *time.Time) error {
	at := s.now()
	if localUpdated.After(at) {
		at = localUpdated
	}
	if extUpdated != nil && extUpdated.After(at) {
		at = *extUpdated
	}
	m.Status = models.MappingStatusSynced
	m.LastSyncedAt = &at
	if extUpdated != nil {
		m.ExternalUpdatedAt = extUpdated
	}
	m.LastError = nil
	return s.store.SaveMapping(ctx, m)
}

func (s *Service) markConflict(ctx context.Context, m *models.IntegrationEntityMapping, fields []string) error {
	msg := "conflicting fields: " + strings.Join(fields, ", ")
	m.Status = models.MappingStatusConflict
	m.LastError = &msg
	return s.store.SaveMapping(ctx, m)
}

func (s *Service) markFailed(ctx context.Context, m *models.IntegrationEntityMapping, cause error) error {
	msg := cause.Error()
	m.Status = models.MappingStatusFailed
	m.LastError = &msg
	return s.store.SaveMapping(ctx, m)
}

func (s *Service) markDeleted(ctx context.Context, m *models.IntegrationEntityMapping) error {
	m.Status = models.MappingStatusDeleted
	m.LastError = nil
	return s.store.SaveMapping(ctx, m)
}

func (s *Service) recordError(ctx context.Context, run *models.IntegrationSyncRun, kind, externalID, code string, cause error, payload []byte) {
	rec := &models.IntegrationSyncError{
		SyncRunId:   run.ID,
		TenantId:    run.TenantId,
		EntityType:  kind,
		ExternalId:  externalID,
		ErrorCode:   code,
		Message:     cause.Error(),
		PayloadJSON: payload,
		Retryable:   code != "missing_id",
	}
	if err := s.store.RecordError(ctx, rec); err != nil {
		config.LogError(s.opts.Logger, "CatalogSync", "recordError", code, rec, err)
	}
}

// pair loads both sides of a mapping.
func (s *Service) pair(ctx context.Context, client *Client, m *models.IntegrationEntityMapping) (binding, localRecord, externalRecord, error) {
	b := s.binding(m.EntityType)
	if b == nil {
		return nil, localRecord{}, externalRecord{}, fmt.Errorf("unmapped entity type %q", m.EntityType)
	}
	local, found, err := b.local(ctx, m.LocalId)
	if err != nil {
		return b, local, externalRecord{}, err
	}
	if !found {
		return b, local, externalRecord{}, fmt.Errorf("%s %s: %w", m.EntityType, m.LocalId, errLocalDeleted)
	}
	raw, err := client.Get(ctx, b.Path(), m.ExternalId)
	if err != nil {
		return b, local, externalRecord{}, err
	}
	ext, err := b.decode(raw)
	return b, local, ext, err
}

func (s *Service) connectedClient(ctx context.Context, tenantID string) (*Client, error) {
	conn, err := s.store.Connection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.Status != models.IntegrationStatusConnected {
		return nil, ErrNotConnected
	}
	return s.opts.ClientFor(conn)
}

// DetectConflicts re-compares every mapped pair. Pairs that diverged on both sides
// since their last sync, and pairs already flagged that still differ, are returned
// and flagged; flagged pairs that agree again are cleared.
func (s *Service) DetectConflicts(ctx context.Context, tenantID string) ([]conflict.Record, error) {
	ctx = utils.SetTenantIdInContext(ctx, tenantID)
	unlock, err := s.lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	client, err := s.connectedClient(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	mappings, err := s.store.ListMappings(ctx, tenantID, models.MappingStatusSynced, models.MappingStatusPending, models.MappingStatusConflict)
	if err != nil {
		return nil, err
	}

	var out []conflict.Record
	for i := range mappings {
		m := &mappings[i]
		b, local, ext, err := s.pair(ctx, client, m)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if errors.Is(err, errLocalDeleted) {
				if derr := s.markDeleted(ctx, m); derr != nil {
					return out, derr
				}
				continue
			}
			if ferr := s.markFailed(ctx, m, err); ferr != nil {
				return out, ferr
			}
			continue
		}
		rec, diverged := b.Comparer().Detect(m.LocalId, m.ExternalId, shared(local.Fields, ext.Fields), ext.Fields, local.UpdatedAt, externalTime(ext, s.now()))
		if !diverged {
			if m.Status == models.MappingStatusConflict {
				if err := s.markSynced(ctx, m, local.UpdatedAt, ext.UpdatedAt); err != nil {
					return out, err
				}
			}
			continue
		}
		if m.Status != models.MappingStatusConflict && !conflict.IsTrueConflict(rec.LocalUpdatedAt, rec.ExternalUpdatedAt, m.LastSyncedAt) {
			continue
		}
		if err := s.markConflict(ctx, m, rec.Fields); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ResolveConflict applies strategy to one mapping. Manual resolves nothing and
// leaves the mapping flagged.
func (s *Service) ResolveConflict(ctx context.Context, tenantID string, mappingID uint, strategy conflict.Strategy) (conflict.Outcome, error) {
	ctx = utils.SetTenantIdInContext(ctx, tenantID)
	m, err := s.store.Mapping(ctx, tenantID, mappingID)
	if err != nil {
		return conflict.Deferred, err
	}
	if m == nil {
		return conflict.Deferred, ErrNotFound
	}
	client, err := s.connectedClient(ctx, tenantID)
	if err != nil {
		return conflict.Deferred, err
	}
	defer client.Close()

	b, local, ext, err := s.pair(ctx, client, m)
	if err != nil {
		return conflict.Deferred, err
	}
	localFields := shared(local.Fields, ext.Fields)
	rec := conflict.Record{
		LocalId:           m.LocalId,
		ExternalId:        m.ExternalId,
		Local:             localFields,
		External:          ext.Fields,
		Fields:            b.Comparer().Diff(localFields, ext.Fields),
		LocalUpdatedAt:    local.UpdatedAt,
		ExternalUpdatedAt: externalTime(ext, s.now()),
	}
	outcome, err := s.resolve(ctx, client, b, m, ext, rec, strategy)
	if err != nil {
		return outcome, err
	}
	s.opts.Logger.WithFields(logrus.Fields{
		"field":      "CatalogSync",
		"tenant_id":  tenantID,
		"mapping_id": mappingID,
		"strategy":   strategy,
		"outcome":    outcome.String(),
	}).Info("conflict resolved")
	return outcome, nil
}

func (s *Service) Mappings(ctx context.Context, tenantID string, statuses ...models.MappingStatus) ([]models.IntegrationEntityMapping, error) {
	return s.store.ListMappings(utils.SetTenantIdInContext(ctx, tenantID), tenantID, statuses...)
}
