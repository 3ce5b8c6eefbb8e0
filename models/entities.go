package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Customer struct {
	SyncMeta
	Name  string `gorm:"size:255;not null" json:"name" validate:"required"`
	Email string `gorm:"size:255" json:"email"`
	Phone string `gorm:"size:50" json:"phone"`
	Notes string `gorm:"type:text" json:"notes"`
}

func (*Customer) EntityKind() EntityKind { return KindCustomer }

type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusReady      TicketStatus = "ready"
	TicketStatusClosed     TicketStatus = "closed"
)

type Ticket struct {
	SyncMeta
	Number        string          `gorm:"size:32;index" json:"number" validate:"required"`
	CustomerId    string          `gorm:"size:36;index" json:"customer_id" validate:"required"`
	DeviceModel   string          `gorm:"size:255" json:"device_model"`
	Issue         string          `gorm:"type:text" json:"issue" validate:"required"`
	Status        TicketStatus    `gorm:"size:20" json:"status" validate:"required"`
	EstimatedCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"estimated_cost"`
	DueAt         *time.Time      `json:"due_at"`
}

func (*Ticket) EntityKind() EntityKind { return KindTicket }

type InventoryItem struct {
	SyncMeta
	Sku      string          `gorm:"size:64;index" json:"sku" validate:"required"`
	Name     string          `gorm:"size:255;not null" json:"name" validate:"required"`
	Barcode  string          `gorm:"size:64" json:"barcode"`
	Price    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	Cost     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cost"`
	Quantity int             `json:"quantity"`
	Active   bool            `gorm:"default:true" json:"active"`
}

func (*InventoryItem) EntityKind() EntityKind { return KindInventoryItem }

type Employee struct {
	SyncMeta
	Name   string `gorm:"size:255;not null" json:"name" validate:"required"`
	Email  string `gorm:"size:255" json:"email"`
	Role   string `gorm:"size:32" json:"role" validate:"required"`
	Active bool   `gorm:"default:true" json:"active"`
}

func (*Employee) EntityKind() EntityKind { return KindEmployee }

type Appointment struct {
	SyncMeta
	CustomerId string     `gorm:"size:36;index" json:"customer_id" validate:"required"`
	TicketId   *string    `gorm:"size:36" json:"ticket_id"`
	StartsAt   time.Time  `json:"starts_at"`
	EndsAt     *time.Time `json:"ends_at"`
	Status     string     `gorm:"size:20" json:"status" validate:"required"`
	Notes      string     `gorm:"type:text" json:"notes"`
}

func (*Appointment) EntityKind() EntityKind { return KindAppointment }

type LoyaltyMember struct {
	SyncMeta
	CustomerId string `gorm:"size:36;index" json:"customer_id" validate:"required"`
	Points     int    `json:"points"`
	Tier       string `gorm:"size:20" json:"tier"`
}

func (*LoyaltyMember) EntityKind() EntityKind { return KindLoyaltyMember }

// NewEntity returns an empty record of kind, or nil for unknown kinds.
func NewEntity(kind EntityKind) Entity {
	switch kind {
	case KindCustomer:
		return &Customer{}
	case KindTicket:
		return &Ticket{}
	case KindInventoryItem:
		return &InventoryItem{}
	case KindEmployee:
		return &Employee{}
	case KindAppointment:
		return &Appointment{}
	case KindLoyaltyMember:
		return &LoyaltyMember{}
	default:
		return nil
	}
}
