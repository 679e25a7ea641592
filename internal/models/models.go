// Package models defines the core data structures for ResearchPipe.
//
// It includes the form schema and value types consumed by the form engine, the
// application state types owned by the state machine, and the API envelope
// shared by the HTTP layer.
package models

import (
	"errors"
	"strings"
)

// Validation constants for ingested content.
const (
	// MaxChatMessageLength defines the maximum allowed length for a chat message
	MaxChatMessageLength = 8000
	// MaxConditionDepth bounds nesting of visibility condition trees
	MaxConditionDepth = 8
	// MaxConditionNodes bounds the total node count of one field's condition tree
	MaxConditionNodes = 64
	// DefaultPageSize is the number of visible fields shown per form step
	DefaultPageSize = 5
)

// Error variables for better error handling and testability
var (
	ErrEmptyMessage         = errors.New("message content cannot be empty")
	ErrMessageTooLong       = errors.New("message content exceeds maximum length")
	ErrInvalidChatRole      = errors.New("invalid chat role")
	ErrInvalidAppState      = errors.New("invalid application state")
	ErrInvalidResearchDepth = errors.New("research depth must be standard or deep")
)

// Validate performs validation on a ChatMessage structure.
func (m *ChatMessage) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyMessage
	}
	if len(m.Content) > MaxChatMessageLength {
		return ErrMessageTooLong
	}
	if !IsValidChatRole(m.Role) {
		return ErrInvalidChatRole
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusInvalid indicates submitted form data failed validation.
	APIStatusInvalid APIStatus = "invalid"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Invalid creates a response carrying per-field validation messages.
func Invalid(message string, fieldErrors map[string]string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusInvalid).
		WithMessage(message).
		WithResult(fieldErrors).
		Build()
}
