package session

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/pos_sync/syncerr"
	"github.com/mmdatafocus/pos_sync/utils"
)

func TestHolder_UnboundIsUnauthenticated(t *testing.T) {
	h := NewHolder()
	if _, err := h.TenantID(context.Background()); !errors.Is(err, syncerr.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestHolder_BindTokenAndNotify(t *testing.T) {
	t.Setenv("API_SECRET", "session-test")
	token, err := utils.JwtGenerate("shop-1", 9, "till-2", "manager")
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}

	h := NewHolder()
	var seen []string
	h.OnChange(func(tenantID string) { seen = append(seen, tenantID) })

	if _, err := h.BindToken(token); err != nil {
		t.Fatalf("BindToken error: %v", err)
	}
	got, err := h.TenantID(context.Background())
	if err != nil || got != "shop-1" {
		t.Fatalf("expected shop-1, got %q err=%v", got, err)
	}

	h.Clear()
	if len(seen) != 2 || seen[0] != "shop-1" || seen[1] != "" {
		t.Fatalf("unexpected change notifications: %v", seen)
	}
}

func TestHolder_RejectsMismatchedContextTenant(t *testing.T) {
	h := NewHolder()
	h.BindTenant("shop-1")
	ctx := utils.SetTenantIdInContext(context.Background(), "shop-2")
	if _, err := h.TenantID(ctx); !errors.Is(err, syncerr.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for foreign tenant, got %v", err)
	}
	scoped, err := h.Context(context.Background())
	if err != nil {
		t.Fatalf("Context error: %v", err)
	}
	if v, _ := utils.GetTenantIdFromContext(scoped); v != "shop-1" {
		t.Fatalf("expected scoped context for shop-1, got %q", v)
	}
}
