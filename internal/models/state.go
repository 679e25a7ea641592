// Package models defines state management structures for the research workflow.
package models

import "time"

// ChatRole identifies the author of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// IsValidChatRole checks if the given chat role is supported.
func IsValidChatRole(r ChatRole) bool {
	switch r {
	case ChatRoleUser, ChatRoleAssistant, ChatRoleSystem:
		return true
	default:
		return false
	}
}

// ChatMessage is one turn of the interview conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TransitionLog records one accepted state transition.
type TransitionLog struct {
	From      AppState  `json:"from"`
	To        AppState  `json:"to"`
	Trigger   Trigger   `json:"trigger"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorState is the transient error shown by the UI. It is overwritten by each new error.
type ErrorState struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

// Error codes raised by the core.
const (
	ErrorCodeInvalidTransition = "INVALID_TRANSITION"
	ErrorCodeChatFailed        = "CHAT_FAILED"
	ErrorCodeResearchFailed    = "RESEARCH_FAILED"
	ErrorCodeFormInvalid       = "FORM_INVALID"
)

// ResearchProgress is the in-flight status of the research task.
type ResearchProgress struct {
	// RunID identifies the research run the progress belongs to.
	RunID     string    `json:"run_id,omitempty"`
	Percent   int       `json:"percent"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResearchSection is one titled block of research findings.
type ResearchSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ResearchSource is a cited reference.
type ResearchSource struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// ResearchResults is the presentable outcome of a research run.
type ResearchResults struct {
	Title           string            `json:"title"`
	Summary         string            `json:"summary"`
	Sections        []ResearchSection `json:"sections,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
	Sources         []ResearchSource  `json:"sources,omitempty"`
	RawText         string            `json:"raw_text,omitempty"`
	Fallback        bool              `json:"fallback,omitempty"`
	CompletedAt     time.Time         `json:"completed_at"`
}

// ChatSession is one independent interview/form/research thread.
type ChatSession struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	State           AppState         `json:"state"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ChatMessages    []ChatMessage    `json:"chat_messages"`
	FormSchema      *FormSchema      `json:"form_schema,omitempty"`
	FormData        FormData         `json:"form_data,omitempty"`
	ResearchResults *ResearchResults `json:"research_results,omitempty"`
}

// Clone returns a deep copy of the session.
func (s ChatSession) Clone() ChatSession {
	out := s
	out.ChatMessages = make([]ChatMessage, len(s.ChatMessages))
	copy(out.ChatMessages, s.ChatMessages)
	out.FormSchema = s.FormSchema.Clone()
	out.FormData = s.FormData.Clone()
	if s.ResearchResults != nil {
		r := *s.ResearchResults
		out.ResearchResults = &r
	}
	return out
}
