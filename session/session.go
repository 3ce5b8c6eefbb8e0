// Package session holds the device's bound tenant session and is the engine's
// tenant-context provider.
package session

import (
	"context"
	"sync"

	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
)

// Provider resolves the tenant of the current session.
type Provider interface {
	TenantID(ctx context.Context) (string, error)
}

// Holder is the agent's single session slot. A device is logged into at most one
// shop at a time.
type Holder struct {
	mu       sync.RWMutex
	claims   *utils.SessionClaims
	token    string
	onChange []func(tenantID string)
}

func NewHolder() *Holder {
	return &Holder{}
}

// BindToken validates a session token and binds its tenant.
func (h *Holder) BindToken(token string) (*utils.SessionClaims, error) {
	claims, err := utils.JwtValidate(token)
	if err != nil {
		return nil, err
	}
	h.bind(claims, token)
	return claims, nil
}

// BindTenant binds a tenant directly. Used by tests and the catalog worker, which
// acts on behalf of a tenant resolved from a verified run payload.
func (h *Holder) BindTenant(tenantID string) {
	h.bind(&utils.SessionClaims{TenantId: tenantID}, "")
}

func (h *Holder) bind(claims *utils.SessionClaims, token string) {
	h.mu.Lock()
	h.claims = claims
	h.token = token
	hooks := append([]func(string){}, h.onChange...)
	h.mu.Unlock()
	for _, fn := range hooks {
		fn(claims.TenantId)
	}
}

func (h *Holder) Clear() {
	h.mu.Lock()
	h.claims = nil
	h.token = ""
	hooks := append([]func(string){}, h.onChange...)
	h.mu.Unlock()
	for _, fn := range hooks {
		fn("")
	}
}

// OnChange registers fn to run after every bind/clear with the new tenant ("" when cleared).
func (h *Holder) OnChange(fn func(tenantID string)) {
	h.mu.Lock()
	h.onChange = append(h.onChange, fn)
	h.mu.Unlock()
}

func (h *Holder) Claims() *utils.SessionClaims {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.claims == nil {
		return nil
	}
	c := *h.claims
	return &c
}

func (h *Holder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// TenantID returns the bound tenant. A tenant carried by ctx must match it:
// requests never act on another shop's data.
func (h *Holder) TenantID(ctx context.Context) (string, error) {
	h.mu.RLock()
	claims := h.claims
	h.mu.RUnlock()
	if claims == nil || claims.TenantId == "" {
		return "", syncerr.Unauthenticated("session")
	}
	if ctxTenant, ok := utils.GetTenantIdFromContext(ctx); ok && ctxTenant != claims.TenantId {
		return "", syncerr.Unauthenticated("session")
	}
	return claims.TenantId, nil
}

// Context returns ctx carrying the bound tenant for the local replica tenant guard.
func (h *Holder) Context(ctx context.Context) (context.Context, error) {
	tenantID, err := h.TenantID(ctx)
	if err != nil {
		return ctx, err
	}
	return utils.SetTenantIdInContext(ctx, tenantID), nil
}

// Static is a fixed-tenant Provider.
type Static string

func (s Static) TenantID(context.Context) (string, error) {
	if s == "" {
		return "", syncerr.Unauthenticated("session")
	}
	return string(s), nil
}
