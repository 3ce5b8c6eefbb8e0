package catalogsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/pos_sync/conflict"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/shopspring/decimal"
)

// Records is the local side of a mapped kind. Save stamps the edit and queues it
// for upload like any other local mutation.
type Records[E models.Entity] interface {
	Get(ctx context.Context, id string) (E, bool, error)
	Save(ctx context.Context, e E) error
}

type localRecord struct {
	Fields    conflict.FieldSet
	UpdatedAt time.Time
}

// binding is the kind-erased glue between one local kind and its commerce object.
type binding interface {
	Kind() models.EntityKind
	Path() string
	Enabled(m Modules) bool
	Comparer() conflict.Comparer
	decode(raw json.RawMessage) (externalRecord, error)
	local(ctx context.Context, id string) (localRecord, bool, error)
	// importRecord writes ext onto the local record id, creating it (with a new id
	// when id is empty). It returns the local id and the stamped update time.
	importRecord(ctx context.Context, id string, ext externalRecord) (string, time.Time, error)
	exportFields(ctx context.Context, id string) (map[string]any, error)
}

type entityBinding[E models.Entity] struct {
	kind     models.EntityKind
	path     string
	enabled  func(Modules) bool
	names    map[string]string // external -> local
	comparer conflict.Comparer
	records  Records[E]
	newE     func() E
	fields   func(E) conflict.FieldSet
	apply    func(E, conflict.FieldSet)
}

func (b *entityBinding[E]) Kind() models.EntityKind     { return b.kind }
func (b *entityBinding[E]) Path() string                { return b.path }
func (b *entityBinding[E]) Enabled(m Modules) bool      { return b.enabled(m) }
func (b *entityBinding[E]) Comparer() conflict.Comparer { return b.comparer }

func (b *entityBinding[E]) decode(raw json.RawMessage) (externalRecord, error) {
	return decodeExternal(raw, b.names)
}

func (b *entityBinding[E]) local(ctx context.Context, id string) (localRecord, bool, error) {
	e, found, err := b.records.Get(ctx, id)
	if err != nil || !found {
		return localRecord{}, found, err
	}
	return localRecord{Fields: b.fields(e), UpdatedAt: e.Meta().UpdatedAt}, true, nil
}

func (b *entityBinding[E]) importRecord(ctx context.Context, id string, ext externalRecord) (string, time.Time, error) {
	var e E
	found := false
	if id != "" {
		var err error
		e, found, err = b.records.Get(ctx, id)
		if err != nil {
			return "", time.Time{}, err
		}
	}
	if !found {
		e = b.newE()
		if id == "" {
			id = uuid.NewString()
		}
		e.Meta().ID = id
	}
	b.apply(e, ext.Fields)
	if err := b.records.Save(ctx, e); err != nil {
		return "", time.Time{}, err
	}
	return id, e.Meta().UpdatedAt, nil
}

func (b *entityBinding[E]) exportFields(ctx context.Context, id string) (map[string]any, error) {
	e, found, err := b.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s %s not found locally", b.kind, id)
	}
	local := b.fields(e)
	out := map[string]any{}
	for ext, name := range b.names {
		v, ok := local[name]
		if !ok {
			continue
		}
		if d, ok := v.(decimal.Decimal); ok {
			v = d.String()
		}
		out[ext] = v
	}
	return out, nil
}

func customerBinding(records Records[*models.Customer]) binding {
	return &entityBinding[*models.Customer]{
		kind:     models.KindCustomer,
		path:     "/v1/customers",
		enabled:  func(m Modules) bool { return m.Customers },
		names:    map[string]string{"name": "name", "email": "email", "phone": "phone"},
		comparer: conflict.NewComparer(),
		records:  records,
		newE:     func() *models.Customer { return &models.Customer{} },
		fields: func(c *models.Customer) conflict.FieldSet {
			return conflict.FieldSet{"name": c.Name, "email": c.Email, "phone": c.Phone}
		},
		apply: func(c *models.Customer, f conflict.FieldSet) {
			if v, ok := fieldString(f, "name"); ok {
				c.Name = v
			}
			if v, ok := fieldString(f, "email"); ok {
				c.Email = v
			}
			if v, ok := fieldString(f, "phone"); ok {
				c.Phone = v
			}
		},
	}
}

func itemBinding(records Records[*models.InventoryItem]) binding {
	return &entityBinding[*models.InventoryItem]{
		kind:    models.KindInventoryItem,
		path:    "/v1/items",
		enabled: func(m Modules) bool { return m.Items },
		names: map[string]string{
			"name":           "name",
			"sku":            "sku",
			"barcode":        "barcode",
			"selling_price":  "price",
			"cost_price":     "cost",
			"stock_quantity": "quantity",
			"active":         "active",
		},
		comparer: conflict.NewComparer("price", "cost"),
		records:  records,
		newE:     func() *models.InventoryItem { return &models.InventoryItem{Active: true} },
		fields: func(i *models.InventoryItem) conflict.FieldSet {
			return conflict.FieldSet{
				"name":     i.Name,
				"sku":      i.Sku,
				"barcode":  i.Barcode,
				"price":    i.Price,
				"cost":     i.Cost,
				"quantity": i.Quantity,
				"active":   i.Active,
			}
		},
		apply: func(i *models.InventoryItem, f conflict.FieldSet) {
			if v, ok := fieldString(f, "name"); ok {
				i.Name = v
			}
			if v, ok := fieldString(f, "sku"); ok {
				i.Sku = v
			}
			if v, ok := fieldString(f, "barcode"); ok {
				i.Barcode = v
			}
			if v, ok := fieldDecimal(f, "price"); ok {
				i.Price = v
			}
			if v, ok := fieldDecimal(f, "cost"); ok {
				i.Cost = v
			}
			if v, ok := fieldInt(f, "quantity"); ok {
				i.Quantity = v
			}
			if v, ok := f["active"].(bool); ok {
				i.Active = v
			}
		},
	}
}

func fieldString(f conflict.FieldSet, key string) (string, bool) {
	switch v := f[key].(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case nil:
		_, present := f[key]
		return "", present
	default:
		return fmt.Sprint(v), true
	}
}

func fieldDecimal(f conflict.FieldSet, key string) (decimal.Decimal, bool) {
	switch v := f[key].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, true
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case decimal.Decimal:
		return v, true
	default:
		return decimal.Zero, false
	}
}

func fieldInt(f conflict.FieldSet, key string) (int, bool) {
	switch v := f[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
		d, err := decimal.NewFromString(v.String())
		return int(d.IntPart()), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// shared keeps the local fields the external payload also carries. Fields the
// API left out are not compared.
func shared(local, ext conflict.FieldSet) conflict.FieldSet {
	out := make(conflict.FieldSet, len(ext))
	for k, v := range local {
		if _, ok := ext[k]; ok {
			out[k] = v
		}
	}
	return out
}
