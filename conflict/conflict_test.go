package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestComparer_Diff(t *testing.T) {
	c := NewComparer("price", "cost")
	c.Ignore["updated_at"] = true

	local := FieldSet{
		"name":       "Screen protector",
		"sku":        "007",
		"price":      "9.99",
		"cost":       decimal.RequireFromString("4.00"),
		"quantity":   int32(5),
		"barcode":    nil,
		"updated_at": time.Now(),
	}
	external := FieldSet{
		"name":       "Screen protector",
		"sku":        "7",
		"price":      json.Number("9.994"),
		"cost":       4.02,
		"quantity":   json.Number("5"),
		"barcode":    "",
		"updated_at": time.Now().Add(time.Hour),
	}

	got := c.Diff(local, external)
	want := []string{"cost", "sku"}
	if len(got) != len(want) {
		t.Fatalf("Diff = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Diff = %v, want %v", got, want)
		}
	}
}

func TestComparer_Detect(t *testing.T) {
	c := NewComparer("price")
	if _, ok := c.Detect("l-1", "x-1", FieldSet{"price": "10"}, FieldSet{"price": 10.001}, time.Time{}, time.Time{}); ok {
		t.Fatal("price within epsilon reported as conflict")
	}
	rec, ok := c.Detect("l-1", "x-1", FieldSet{"name": "a"}, FieldSet{}, time.Time{}, time.Time{})
	if !ok || len(rec.Fields) != 1 || rec.Fields[0] != "name" {
		t.Fatalf("Detect = %+v, %v", rec, ok)
	}
}

func TestDecide(t *testing.T) {
	t1 := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	tests := []struct {
		strategy Strategy
		local    time.Time
		external time.Time
		want     Outcome
	}{
		{ExternalWins, t2, t1, TakeExternal},
		{LocalWins, t1, t2, KeepLocal},
		{MostRecent, t1, t2, TakeExternal},
		{MostRecent, t2, t1, KeepLocal},
		{MostRecent, t1, t1, KeepLocal},
		{Manual, t1, t2, Deferred},
	}
	for _, tt := range tests {
		got, err := Decide(tt.strategy, Record{LocalUpdatedAt: tt.local, ExternalUpdatedAt: tt.external})
		if err != nil {
			t.Fatalf("%s: %v", tt.strategy, err)
		}
		if got != tt.want {
			t.Fatalf("%s local=%s external=%s: got %s, want %s", tt.strategy, tt.local, tt.external, got, tt.want)
		}
	}
	if _, err := Decide("coin_flip", Record{}); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}

func TestIsTrueConflict(t *testing.T) {
	synced := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	before := synced.Add(-time.Minute)
	after := synced.Add(time.Minute)

	cases := []struct {
		local, external time.Time
		lastSynced      *time.Time
		want            bool
	}{
		{after, after, &synced, true},
		{after, before, &synced, false},
		{before, after, &synced, false},
		{synced, after, &synced, false},
		{before, before, nil, true},
	}
	for i, tc := range cases {
		if got := IsTrueConflict(tc.local, tc.external, tc.lastSynced); got != tc.want {
			t.Fatalf("case %d: got %v, want %v", i, got, tc.want)
		}
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(" Most_Recent "); err != nil || s != MostRecent {
		t.Fatalf("ParseStrategy = %q, %v", s, err)
	}
	if _, err := ParseStrategy("latest"); err == nil {
		t.Fatal("unknown strategy parsed")
	}
}
