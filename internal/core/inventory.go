package core

import "time"

// InventoryQuota tracks the sellable units of a product within a sale.
type InventoryQuota struct {
	SaleID        string    `json:"sale_id"`
	ProductID     string    `json:"product_id"`
	TotalUnits    int64     `json:"total_units"`
	ReservedUnits int64     `json:"reserved_units"`
	SoldUnits     int64     `json:"sold_units"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available returns the units that can still be reserved.
func (q InventoryQuota) Available() int64 {
	return q.TotalUnits - q.ReservedUnits - q.SoldUnits
}

// ReservationState is the lifecycle state of a reservation.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// ReleaseReason records why a reservation was released.
type ReleaseReason string

const (
	ReleaseCancelled ReleaseReason = "cancelled"
	ReleaseExpired   ReleaseReason = "expired"
)

// Reservation is a time-bounded hold on inventory units.
type Reservation struct {
	ID            string           `json:"id"`
	SaleID        string           `json:"sale_id"`
	ProductID     string           `json:"product_id"`
	Holder        string           `json:"holder"`
	Quantity      int64            `json:"quantity"`
	State         ReservationState `json:"state"`
	ReleaseReason ReleaseReason    `json:"release_reason,omitempty"`
	TicketID      string           `json:"ticket_id,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Terminal reports whether the reservation can no longer change.
func (r Reservation) Terminal() bool {
	return r.State == ReservationCommitted || r.State == ReservationReleased
}
