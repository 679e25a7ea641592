package models

import "encoding/json"

// TransitionRequest represents the payload for POST /transition.
type TransitionRequest struct {
	To      AppState `json:"to" validate:"required"`
	Trigger Trigger  `json:"trigger" validate:"required"`
}

// ChatRequest represents one user turn sent to the interview backend.
type ChatRequest struct {
	Message string `json:"message" validate:"required,max=8000"`
}

// MessageRequest appends a message to the current chat without calling the backend.
type MessageRequest struct {
	Role    ChatRole `json:"role" validate:"required,oneof=user assistant system"`
	Content string   `json:"content" validate:"required,max=8000"`
}

// ErrorRequest represents the payload for POST /error.
type ErrorRequest struct {
	Code        string `json:"code" validate:"required"`
	Message     string `json:"message" validate:"required"`
	Recoverable bool   `json:"recoverable"`
}

// SchemaRequest carries either a generate_form payload object or free text containing one.
type SchemaRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Text    string          `json:"text,omitempty"`
}

// FieldValueRequest sets one field's value.
type FieldValueRequest struct {
	Value Value `json:"value"`
}

// FormDataRequest replaces the whole value bag.
type FormDataRequest struct {
	Data FormData `json:"data"`
}

// SubmitRequest represents the payload for POST /form/submit.
type SubmitRequest struct {
	ResearchDepth ResearchDepth `json:"researchDepth" validate:"omitempty,oneof=standard deep"`
}

// ProgressRequest represents one research progress update.
type ProgressRequest struct {
	RunID   string `json:"run_id" validate:"required"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// ResultsRequest carries the raw research output text of one run.
type ResultsRequest struct {
	RunID string `json:"run_id" validate:"required"`
	Text  string `json:"text" validate:"required"`
}

// SessionRequest represents the payload for POST /sessions.
type SessionRequest struct {
	Title string `json:"title,omitempty" validate:"omitempty,max=200"`
}
