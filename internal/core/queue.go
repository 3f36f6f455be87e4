package core

import "time"

// EntryState is the lifecycle state of a waiting-room entry.
type EntryState string

const (
	EntryWaiting   EntryState = "waiting"
	EntryAdmitted  EntryState = "admitted"
	EntryExpired   EntryState = "expired"
	EntryCancelled EntryState = "cancelled"
)

// QueueEntry is a client's place in a sale's waiting room.
type QueueEntry struct {
	Token          string     `json:"token"`
	SaleID         string     `json:"sale_id"`
	Identity       string     `json:"identity"`
	Tier           Tier       `json:"tier"`
	Sequence       int64      `json:"sequence"`
	State          EntryState `json:"state"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	AdmittedAt     *time.Time `json:"admitted_at,omitempty"`
	TicketID       string     `json:"ticket_id,omitempty"`
	TicketConsumed bool       `json:"ticket_consumed"`
}

// InFlight reports whether the entry occupies an admission slot.
func (e QueueEntry) InFlight() bool {
	return e.State == EntryAdmitted && !e.TicketConsumed
}

// Ticket builds the admission ticket for an admitted entry.
func (e QueueEntry) Ticket(dwell time.Duration) *AdmissionTicket {
	if e.State != EntryAdmitted || e.AdmittedAt == nil || e.TicketID == "" {
		return nil
	}
	return &AdmissionTicket{
		ID:         e.TicketID,
		SaleID:     e.SaleID,
		EntryToken: e.Token,
		Identity:   e.Identity,
		IssuedAt:   *e.AdmittedAt,
		ExpiresAt:  e.AdmittedAt.Add(dwell),
	}
}

// AdmissionTicket grants one reservation attempt for a sale. It is single use.
type AdmissionTicket struct {
	ID         string    `json:"id"`
	SaleID     string    `json:"sale_id"`
	EntryToken string    `json:"entry_token"`
	Identity   string    `json:"identity"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PollStatus is the answer to a waiting-room poll.
type PollStatus string

const (
	PollWaiting  PollStatus = "waiting"
	PollAdmitted PollStatus = "admitted"
	PollExpired  PollStatus = "expired"
)

// PollResult is returned from a poll. Position is 1-based and only set while waiting.
type PollResult struct {
	Status        PollStatus       `json:"status"`
	Position      int              `json:"position,omitempty"`
	EstimatedWait time.Duration    `json:"estimated_wait,omitempty"`
	Ticket        *AdmissionTicket `json:"ticket,omitempty"`
}

// QueueStats summarizes a sale's waiting room.
type QueueStats struct {
	SaleID       string `json:"sale_id"`
	Waiting      int    `json:"waiting"`
	InFlight     int    `json:"in_flight"`
	MaxInFlight  int    `json:"max_in_flight"`
	NextSequence int64  `json:"next_sequence"`
}
