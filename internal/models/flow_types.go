// Package models defines flow type definitions to avoid circular imports.
package models

// AppState is the single finite-state variable driving the UI.
type AppState string

// Trigger names the user or system event causing a transition.
type Trigger string

// Application states.
const (
	StateInterviewing AppState = "INTERVIEWING"
	StateFormPreview  AppState = "FORM_PREVIEW"
	StateFormActive   AppState = "FORM_ACTIVE"
	StateResearching  AppState = "RESEARCHING"
	StatePresenting   AppState = "PRESENTING"
	// StateUnknown is the fallback for unrecognized persisted values; the UI renders it generically.
	StateUnknown AppState = "UNKNOWN"
)

// Transition triggers.
const (
	TriggerViewForm          Trigger = "view_form"
	TriggerEditForm          Trigger = "edit_form"
	TriggerConfirmForm       Trigger = "confirm_form"
	TriggerBackToPreview     Trigger = "back_to_preview"
	TriggerFormSubmitted     Trigger = "form_submitted"
	TriggerResearchCancelled Trigger = "research_cancelled"
	TriggerResearchComplete  Trigger = "research_complete"
	TriggerReset             Trigger = "reset"
)

// IsValidAppState checks if the given state is one of the five workflow states.
func IsValidAppState(s AppState) bool {
	switch s {
	case StateInterviewing, StateFormPreview, StateFormActive, StateResearching, StatePresenting:
		return true
	default:
		return false
	}
}

// NormalizeAppState maps unrecognized values onto StateUnknown.
func NormalizeAppState(s AppState) AppState {
	if IsValidAppState(s) {
		return s
	}
	return StateUnknown
}
