package syncer

import (
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
	"github.com/shopspring/decimal"
)

func TestTicketCodec_FromRemote(t *testing.T) {
	updated := time.Date(2026, 4, 2, 8, 0, 0, 0, time.FixedZone("MMT", 6*3600+1800))
	due := updated.Add(48 * time.Hour)
	row := remote.Row{
		"id":             [16]byte{0x6b, 0xa7, 0xb8, 0x10, 0x9d, 0xad, 0x11, 0xd1, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8},
		"tenant_id":      "shop-1",
		"number":         "T-0042",
		"customer_id":    "c-1",
		"issue":          "cracked screen",
		"status":         "open",
		"estimated_cost": pgtype.Numeric{Int: big.NewInt(125050), Exp: -2, Valid: true},
		"due_at":         due,
		"updated_at":     updated,
		"deleted_at":     nil,
	}

	got, err := TicketCodec{}.FromRemote(row)
	if err != nil {
		t.Fatalf("FromRemote: %v", err)
	}
	if got.ID != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Fatalf("id = %q", got.ID)
	}
	if !got.EstimatedCost.Equal(decimal.RequireFromString("1250.50")) {
		t.Fatalf("estimated_cost = %s", got.EstimatedCost)
	}
	if got.UpdatedAt.Location() != time.UTC || !got.UpdatedAt.Equal(updated) {
		t.Fatalf("updated_at = %s, want %s in UTC", got.UpdatedAt, updated)
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Fatalf("due_at = %v", got.DueAt)
	}
	if got.Status != models.TicketStatusOpen {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestCodecs_RejectRowsWithoutTimestamp(t *testing.T) {
	row := remote.Row{"id": "x", "tenant_id": "shop-1", "name": "n"}
	if _, err := (CustomerCodec{}).FromRemote(row); err == nil {
		t.Fatal("customer without updated_at decoded")
	}
	if _, err := (EmployeeCodec{}).FromRemote(row); err == nil {
		t.Fatal("employee without updated_at decoded")
	}
}

func TestInventoryItemCodec_RoundTripsThroughRow(t *testing.T) {
	item := &models.InventoryItem{
		Sku:      "SCR-IP12",
		Name:     "iPhone 12 screen",
		Price:    decimal.RequireFromString("89.99"),
		Cost:     decimal.RequireFromString("41.5"),
		Quantity: 7,
		Active:   true,
	}
	row, err := InventoryItemCodec{}.ToRemote(item)
	if err != nil {
		t.Fatalf("ToRemote: %v", err)
	}
	row["id"] = "i-1"
	row["tenant_id"] = "shop-1"
	row["updated_at"] = time.Now().UTC()
	row["quantity"] = int32(7)

	got, err := InventoryItemCodec{}.FromRemote(row)
	if err != nil {
		t.Fatalf("FromRemote: %v", err)
	}
	if !got.Price.Equal(item.Price) || !got.Cost.Equal(item.Cost) || got.Quantity != 7 || !got.Active {
		t.Fatalf("got %+v", got)
	}
}

func TestAppointmentCodec_RequiresStart(t *testing.T) {
	a := &models.Appointment{CustomerId: "c-1", Status: "booked"}
	if _, err := (AppointmentCodec{}).ToRemote(a); err == nil {
		t.Fatal("appointment without starts_at encoded")
	}
}
