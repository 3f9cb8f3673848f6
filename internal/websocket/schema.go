package websocket

import "github.com/stemsi/exstem-client/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionTeardownSubmit Action = "teardown_submit"
	ActionPing           Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// TeardownSubmitRequest carries a fire-and-forget final submission. The
// server never replies to it.
type TeardownSubmitRequest struct {
	Action    Action          `json:"action"`
	AttemptID string          `json:"attempt_id" binding:"required"`
	Answers   model.AnswerSet `json:"answers" binding:"required,dive,min=0"`
	Token     string          `json:"token,omitempty"`
}

// PingRequest keeps the stream alive while the exam is open.
type PingRequest struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError Event = "error"
	EventPong  Event = "pong"
)

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
