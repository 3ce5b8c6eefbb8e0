package syncer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/shopspring/decimal"
)

// Codec is the per-kind capability the generic Syncer is parametrized over: it
// maps a local model to and from the remote row shape. id, tenant_id, updated_at
// and deleted_at are handled by the Syncer and need not be written by ToRemote.
type Codec[E models.Entity] interface {
	Kind() models.EntityKind
	Table() string
	New() E
	ToRemote(e E) (remote.Row, error)
	FromRemote(row remote.Row) (E, error)
}

// readMeta copies the shared columns of row into m.
func readMeta(row remote.Row, m *models.SyncMeta) error {
	m.ID = str(row, "id")
	m.TenantId = str(row, "tenant_id")
	updatedAt, err := timeOf(row["updated_at"])
	if err != nil {
		return fmt.Errorf("updated_at: %w", err)
	}
	if updatedAt == nil {
		return fmt.Errorf("updated_at: missing")
	}
	m.UpdatedAt = updatedAt.UTC()
	if m.DeletedAt, err = timeOf(row["deleted_at"]); err != nil {
		return fmt.Errorf("deleted_at: %w", err)
	}
	if created, err := timeOf(row["created_at"]); err == nil && created != nil {
		m.CreatedAt = created.UTC()
	}
	return nil
}

func str(row remote.Row, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case [16]byte:
		return uuid.UUID(v).String()
	default:
		return fmt.Sprint(v)
	}
}

func strPtr(row remote.Row, key string) *string {
	if row[key] == nil {
		return nil
	}
	s := str(row, key)
	return &s
}

func intOf(row remote.Row, key string) (int, error) {
	switch v := row[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func boolOf(row remote.Row, key string, def bool) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func decimalOf(row remote.Row, key string) (decimal.Decimal, error) {
	switch v := row[key].(type) {
	case nil:
		return decimal.Zero, nil
	case decimal.Decimal:
		return v, nil
	case pgtype.Numeric:
		if !v.Valid {
			return decimal.Zero, nil
		}
		if v.NaN || v.InfinityModifier != pgtype.Finite {
			return decimal.Zero, fmt.Errorf("%s: not a finite number", key)
		}
		i := v.Int
		if i == nil {
			i = new(big.Int)
		}
		return decimal.NewFromBigInt(i, v.Exp), nil
	case string:
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case int32:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return decimal.Zero, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func timeOf(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &t, nil
	case *time.Time:
		return t, nil
	case pgtype.Timestamptz:
		if !t.Valid {
			return nil, nil
		}
		return &t.Time, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}

func timeField(row remote.Row, key string) (*time.Time, error) {
	t, err := timeOf(row[key])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if t != nil {
		u := t.UTC()
		t = &u
	}
	return t, nil
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
