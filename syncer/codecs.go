package syncer

import (
	"fmt"

	"github.com/mmdatafocus/pos_sync/models"
	"github.com/mmdatafocus/pos_sync/remote"
)

type CustomerCodec struct{}

func (CustomerCodec) Kind() models.EntityKind { return models.KindCustomer }
func (CustomerCodec) Table() string           { return "customers" }
func (CustomerCodec) New() *models.Customer   { return &models.Customer{} }

func (CustomerCodec) ToRemote(e *models.Customer) (remote.Row, error) {
	return remote.Row{
		"name":  e.Name,
		"email": e.Email,
		"phone": e.Phone,
		"notes": e.Notes,
	}, nil
}

func (CustomerCodec) FromRemote(row remote.Row) (*models.Customer, error) {
	e := &models.Customer{
		Name:  str(row, "name"),
		Email: str(row, "email"),
		Phone: str(row, "phone"),
		Notes: str(row, "notes"),
	}
	if err := readMeta(row, &e.SyncMeta); err != nil {
		return nil, fmt.Errorf("customer: %w", err)
	}
	return e, nil
}

type TicketCodec struct{}

func (TicketCodec) Kind() models.EntityKind { return models.KindTicket }
func (TicketCodec) Table() string           { return "tickets" }
func (TicketCodec) New() *models.Ticket     { return &models.Ticket{} }

func (TicketCodec) ToRemote(e *models.Ticket) (remote.Row, error) {
	return remote.Row{
		"number":         e.Number,
		"customer_id":    e.CustomerId,
		"device_model":   e.DeviceModel,
		"issue":          e.Issue,
		"status":         string(e.Status),
		"estimated_cost": e.EstimatedCost.String(),
		"due_at":         timeValue(e.DueAt),
	}, nil
}

func (TicketCodec) FromRemote(row remote.Row) (*models.Ticket, error) {
	e := &models.Ticket{
		Number:      str(row, "number"),
		CustomerId:  str(row, "customer_id"),
		DeviceModel: str(row, "device_model"),
		Issue:       str(row, "issue"),
		Status:      models.TicketStatus(str(row, "status")),
	}
	var err error
	if e.EstimatedCost, err = decimalOf(row, "estimated_cost"); err != nil {
		return nil, fmt.Errorf("ticket: %w", err)
	}
	if e.DueAt, err = timeField(row, "due_at"); err != nil {
		return nil, fmt.Errorf("ticket: %w", err)
	}
	if err := readMeta(row, &e.SyncMeta); err != nil {
		return nil, fmt.Errorf("ticket: %w", err)
	}
	return e, nil
}

type InventoryItemCodec struct{}

func (InventoryItemCodec) Kind() models.EntityKind    { return models.KindInventoryItem }
func (InventoryItemCodec) Table() string              { return "inventory_items" }
func (InventoryItemCodec) New() *models.InventoryItem { return &models.InventoryItem{} }

func (InventoryItemCodec) ToRemote(e *models.InventoryItem) (remote.Row, error) {
	return remote.Row{
		"sku":      e.Sku,
		"name":     e.Name,
		"barcode":  e.Barcode,
		"price":    e.Price.String(),
		"cost":     e.Cost.String(),
		"quantity": e.Quantity,
		"active":   e.Active,
	}, nil
}

func (InventoryItemCodec) FromRemote(row remote.Row) (*models.InventoryItem, error) {
	e := &models.InventoryItem{
		Sku:     str(row, "sku"),
		Name:    str(row, "name"),
		Barcode: str(row, "barcode"),
		Active:  boolOf(row, "active", true),
	}
	var err error
	if e.Price, err = decimalOf(row, "price"); err != nil {
		return nil, fmt.Errorf("inventory_item: %w", err)
	}
	if e.Cost, err = decimalOf(row, "cost"); err != nil {
		return nil, fmt.Errorf("inventory_item: %w", err)
	}
	if e.Quantity, err = intOf(row, "quantity"); err != nil {
		return nil, fmt.Errorf("inventory_item: %w", err)
	}
	if err := readMeta(row, &e.SyncMeta); err != nil {
		return nil, fmt.Errorf("inventory_item: %w", err)
	}
	return e, nil
}

type EmployeeCodec struct{}

func (EmployeeCodec) Kind() models.EntityKind { return models.KindEmployee }
func (EmployeeCodec) Table() string           { return "employees" }
func (EmployeeCodec) New() *models.Employee   { return &models.Employee{} }

func (EmployeeCodec) ToRemote(e *models.Employee) (remote.Row, error) {
	return remote.Row{
		"name":   e.Name,
		"email":  e.Email,
		"role":   e.Role,
		"active": e.Active,
	}, nil
}

func (EmployeeCodec) FromRemote(row remote.Row) (*models.Employee, error) {
	e := &models.Employee{
		Name:   str(row, "name"),
		Email:  str(row, "email"),
		Role:   str(row, "role"),
		Active: boolOf(row, "active", true),
	}
	if err := readMeta(row, &e.SyncMeta); err != nil {
		return nil, fmt.Errorf("employee: %w", err)
	}
	return e, nil
}

type AppointmentCodec struct{}

func (AppointmentCodec) Kind() models.EntityKind  { return models.KindAppointment }
func (AppointmentCodec) Table() string            { return "appointments" }
func (AppointmentCodec) New() *models.Appointment { return &models.Appointment{} }

func (AppointmentCodec) ToRemote(e *models.Appointment) (remote.Row, error) {
	if e.StartsAt.IsZero() {
		return nil, fmt.Errorf("appointment %s: starts_at is required", e.ID)
	}
	var ticketID any
	if e.TicketId != nil {
		ticketID = *e.TicketId
	}
	return remote.Row{
		"customer_id": e.CustomerId,
		"ticket_id":   ticketID,
		"starts_at":   e.StartsAt.UTC(),
		"ends_at":     timeValue(e.EndsAt),
		"status":      e.Status,
		"notes":       e.Notes,
	}, nil
}

func (AppointmentCodec) FromRemote(row remote.Row) (*models.Appointment, error) {
	e := &models.Appointment{
		CustomerId: str(row, "customer_id"),
		TicketId:   strPtr(row, "ticket_id"),
		Status:     str(row, "status"),
		Notes:      str(row, "notes"),
	}
	startsAt, err := timeField(row, "starts_at")
	if err != nil {
		return nil, fmt.Errorf("appointment: %w", err)
	}
	if startsAt != nil {
		e.StartsAt = *startsAt
	}
	if e.EndsAt, err = timeField(row, "ends_at"); err != nil {
		return nil, fmt.Errorf("appointment: %w", err)
	}
	if err := readMeta(row, &e.SyncMeta); err != nil {
		return nil, fmt.Errorf("appointment: %w", err)
	}
	return e, nil
}

type LoyaltyMemberCodec struct{}

func (LoyaltyMemberCodec) Kind() models.EntityKind    { return models.KindLoyaltyMember }
func (LoyaltyMemberCodec) Table() string              { return "loyalty_members" }
func (LoyaltyMemberCodec) New() *models.LoyaltyMember { return &models.LoyaltyMember{} }

func (LoyaltyMemberCodec) ToRemote(e *models.LoyaltyMember) (remote.Row, error) {
	return remote.Row{
		"customer_id": e.CustomerId,
		"points":      e.Points,
		"tier":        e.Tier,
	}, nil
}

func (LoyaltyMemberCodec) FromRemote(row remote.Row) (*models.LoyaltyMember, error) {
	e := &models.LoyaltyMember{
		CustomerId: str(row, "customer_id"),
		Tier:       str(row, "tier"),
	}
	var err error
	if e.Points, err = intOf(row, "points"); err != nil {
		return nil, fmt.Errorf("loyalty_member: %w", err)
	}
	if err := readMeta(row, &e.SyncMeta); err != nil {
		return nil, fmt.Errorf("loyalty_member: %w", err)
	}
	return e, nil
}
