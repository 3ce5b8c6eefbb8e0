// Package conflict detects field-level divergence between a local record and its
// counterpart in another system, and decides which side wins.
package conflict

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Strategy string

const (
	ExternalWins Strategy = "external_wins"
	LocalWins    Strategy = "local_wins"
	MostRecent   Strategy = "most_recent"
	Manual       Strategy = "manual"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case ExternalWins, LocalWins, MostRecent, Manual:
		return st, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
}

// FieldSet is one side of a record keyed by field name.
type FieldSet map[string]any

// Record is a detected conflict. It is built, decided on and dropped; it is never stored.
type Record struct {
	LocalId           string
	ExternalId        string
	Local             FieldSet
	External          FieldSet
	Fields            []string
	LocalUpdatedAt    time.Time
	ExternalUpdatedAt time.Time
}

type Outcome int

const (
	KeepLocal Outcome = iota
	TakeExternal
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case KeepLocal:
		return "keep_local"
	case TakeExternal:
		return "take_external"
	default:
		return "deferred"
	}
}

// Decide applies strategy to rec. Under most_recent a tie keeps the local side.
func Decide(strategy Strategy, rec Record) (Outcome, error) {
	switch strategy {
	case ExternalWins:
		return TakeExternal, nil
	case LocalWins:
		return KeepLocal, nil
	case MostRecent:
		if rec.ExternalUpdatedAt.After(rec.LocalUpdatedAt) {
			return TakeExternal, nil
		}
		return KeepLocal, nil
	case Manual:
		return Deferred, nil
	default:
		return Deferred, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

// IsTrueConflict reports whether both sides changed after the last sync. A change
// on one side only is a normal sync. Without a last sync time nothing can be
// ruled out.
func IsTrueConflict(localUpdated, externalUpdated time.Time, lastSynced *time.Time) bool {
	if lastSynced == nil {
		return true
	}
	return localUpdated.After(*lastSynced) && externalUpdated.After(*lastSynced)
}

// DefaultEpsilon is half a cent.
var DefaultEpsilon = decimal.RequireFromString("0.005")

// Comparer compares field sets: exact for strings and identifiers, numerically
// for number types, within Epsilon for money fields.
type Comparer struct {
	Money   map[string]bool
	Ignore  map[string]bool
	Epsilon decimal.Decimal
}

func NewComparer(moneyFields ...string) Comparer {
	c := Comparer{Money: map[string]bool{}, Ignore: map[string]bool{}, Epsilon: DefaultEpsilon}
	for _, f := range moneyFields {
		c.Money[f] = true
	}
	return c
}

// Diff lists the fields whose values differ, sorted. A field missing on one side
// compares as empty.
func (c Comparer) Diff(local, external FieldSet) []string {
	keys := map[string]bool{}
	for k := range local {
		keys[k] = true
	}
	for k := range external {
		keys[k] = true
	}
	var out []string
	for k := range keys {
		if c.Ignore[k] {
			continue
		}
		if !c.equal(k, local[k], external[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Detect builds the conflict record for one mapped pair, or reports none when the
// field sets agree.
func (c Comparer) Detect(localID, externalID string, local, external FieldSet, localUpdated, externalUpdated time.Time) (Record, bool) {
	fields := c.Diff(local, external)
	if len(fields) == 0 {
		return Record{}, false
	}
	return Record{
		LocalId:           localID,
		ExternalId:        externalID,
		Local:             local,
		External:          external,
		Fields:            fields,
		LocalUpdatedAt:    localUpdated,
		ExternalUpdatedAt: externalUpdated,
	}, true
}

func (c Comparer) equal(field string, a, b any) bool {
	if c.Money[field] {
		da, okA := toDecimal(a)
		db, okB := toDecimal(b)
		if okA && okB {
			return da.Sub(db).Abs().LessThanOrEqual(c.Epsilon)
		}
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Equal(tb)
		}
	}
	if da, okA := toNumber(a); okA {
		if db, okB := toNumber(b); okB {
			return da.Equal(db)
		}
	}
	return normalize(a) == normalize(b)
}

func normalize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case *string:
		if t == nil {
			return ""
		}
		return *t
	default:
		return fmt.Sprint(t)
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	if v == nil {
		return decimal.Zero, true
	}
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			return decimal.Zero, true
		}
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		return d, err == nil
	}
	return toNumber(v)
}

func toNumber(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int32:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case float64:
		return decimal.NewFromFloat(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	default:
		return time.Time{}, false
	}
}
