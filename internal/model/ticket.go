package model

import "github.com/google/uuid"

// TicketState is the outcome state of a persistence ticket.
type TicketState string

const (
	TicketPending      TicketState = "pending"
	TicketInFlight     TicketState = "in-flight"
	TicketAcknowledged TicketState = "acknowledged"
	TicketFailed       TicketState = "failed"
)

// PersistenceTicket describes the latest queued or in-flight save of one question.
// Version is the local edit version the ticket carries.
type PersistenceTicket struct {
	QuestionID uuid.UUID   `json:"question_id"`
	Version    uint64      `json:"version"`
	State      TicketState `json:"state"`
	Err        error       `json:"-"`
}
