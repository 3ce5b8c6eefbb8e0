package config

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/mmdatafocus/pos_sync/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const tenantColumn = "tenant_id"

// ErrCrossTenantWrite is raised when a create/save carries a tenant_id other than the session's.
var ErrCrossTenantWrite = errors.New("tenant guard: record belongs to another tenant")

// TenantGuardPlugin scopes every query/update/delete on the local replica to the
// session tenant when the model has a tenant_id column, and refuses creates that
// carry another tenant's id.
//
// NOTE:
// - This does NOT apply to Raw SQL queries. Those must include tenant_id manually.
// - Admin/internal bypass is explicit via context flags.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", tenantScopeCallback); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", tenantScopeCallback); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", tenantScopeCallback); err != nil {
		return err
	}
	if err := cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantScopeCallback); err != nil {
		return err
	}
	return cb.Create().Before("gorm:create").Register("tenant_guard:create", tenantCreateCallback)
}

// guardedTenant returns the tenant to enforce for this statement, or "" when the
// statement is out of scope (no tenant bound, bypass flag, or no tenant_id column).
func guardedTenant(db *gorm.DB) string {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return ""
	}
	ctx := db.Statement.Context
	if shouldBypassTenantScope(ctx) {
		return ""
	}
	tenantID := tenantIdFromContext(ctx)
	if tenantID == "" || db.Statement.Schema == nil {
		return ""
	}
	if db.Statement.Schema.LookUpField(tenantColumn) == nil {
		return ""
	}
	return tenantID
}

func tenantScopeCallback(db *gorm.DB) {
	tenantID := guardedTenant(db)
	if tenantID == "" {
		return
	}
	// Don't duplicate an explicit tenant filter.
	if whereHasTenantID(db.Statement.Clauses["WHERE"]) {
		return
	}
	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: tenantColumn},
				Value:  tenantID,
			},
		},
	})
}

func tenantCreateCallback(db *gorm.DB) {
	tenantID := guardedTenant(db)
	if tenantID == "" {
		return
	}
	field := db.Statement.Schema.LookUpField(tenantColumn)
	rv := db.Statement.ReflectValue
	check := func(v reflect.Value) {
		got, zero := field.ValueOf(db.Statement.Context, v)
		if zero {
			_ = field.Set(db.Statement.Context, v, tenantID)
			return
		}
		if s, ok := got.(string); ok && s != tenantID {
			_ = db.AddError(ErrCrossTenantWrite)
		}
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			check(reflect.Indirect(rv.Index(i)))
		}
	case reflect.Struct:
		check(rv)
	}
}

func tenantIdFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(appctx.ContextKeyTenantId).(string); ok && v != "" {
		return v
	}
	return ""
}

func shouldBypassTenantScope(ctx context.Context) bool {
	if v, ok := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); ok && v {
		return true
	}
	if v, ok := ctx.Value(appctx.ContextKeyIsAdmin).(bool); ok && v {
		return true
	}
	return false
}

func whereHasTenantID(c clause.Clause) bool {
	if c.Expression == nil {
		return false
	}
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		if exprHasTenantID(e) {
			return true
		}
	}
	return false
}

func exprHasTenantID(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return colIsTenantID(v.Column)
	case clause.Neq:
		return colIsTenantID(v.Column)
	case clause.IN:
		return colIsTenantID(v.Column)
	case clause.AndConditions:
		return anyHasTenantID(v.Exprs)
	case clause.OrConditions:
		return anyHasTenantID(v.Exprs)
	case clause.Expr:
		// Best-effort for raw expressions.
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	default:
		return false
	}
}

func anyHasTenantID(exprs []clause.Expression) bool {
	for _, x := range exprs {
		if exprHasTenantID(x) {
			return true
		}
	}
	return false
}

func colIsTenantID(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, tenantColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, tenantColumn)
	default:
		return false
	}
}
