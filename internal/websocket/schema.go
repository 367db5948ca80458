package websocket

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-attempt/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave  Action = "autosave"
	ActionViolation Action = "violation"
	ActionSubmit    Action = "submit"
	ActionPing      Action = "ping"
)

// Request is one client message. ReqID is echoed on the matching response
// so a client can keep several requests in flight.
type Request struct {
	Action     Action                        `json:"action"`
	ReqID      string                        `json:"req_id,omitempty"`
	QuestionID uuid.UUID                     `json:"question_id,omitempty"`
	Answer     *model.AnswerEdit             `json:"answer,omitempty"`
	Violation  *model.ReportViolationRequest `json:"violation,omitempty"`
	Auto       bool                          `json:"auto,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSaved     Event = "saved"
	EventRecorded  Event = "recorded"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
)

// Response is one server message.
type Response struct {
	Event Event           `json:"event"`
	ReqID string          `json:"req_id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewResponse builds a response carrying data.
func NewResponse(event Event, reqID string, data any) (Response, error) {
	resp := Response{Event: event, ReqID: reqID}
	if data == nil {
		return resp, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{}, err
	}
	resp.Data = raw
	return resp, nil
}
