package flow

import (
	"errors"
	"fmt"

	"github.com/BTreeMap/ResearchPipe/internal/models"
)

var (
	// ErrInvalidTransition is wrapped by every rejected transition.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNoFormSchema is returned when an operation needs a form schema and none is set.
	ErrNoFormSchema = errors.New("no form schema available")
)

// TransitionRule is one accepted (from, trigger) pair and its target.
type TransitionRule struct {
	From    models.AppState `json:"from"`
	Trigger models.Trigger  `json:"trigger"`
	To      models.AppState `json:"to"`
}

type edge struct {
	from    models.AppState
	trigger models.Trigger
}

// transitionTable lists every accepted edge except reset, which is accepted from any state.
var transitionTable = map[edge]models.AppState{
	{models.StateInterviewing, models.TriggerViewForm}:         models.StateFormPreview,
	{models.StateFormPreview, models.TriggerEditForm}:          models.StateInterviewing,
	{models.StateFormPreview, models.TriggerConfirmForm}:       models.StateFormActive,
	{models.StateFormActive, models.TriggerBackToPreview}:      models.StateFormPreview,
	{models.StateFormActive, models.TriggerFormSubmitted}:      models.StateResearching,
	{models.StateResearching, models.TriggerResearchCancelled}: models.StateFormActive,
	{models.StateResearching, models.TriggerResearchComplete}:  models.StatePresenting,
	{models.StatePresenting, models.TriggerViewForm}:           models.StateFormPreview,
}

// NextState returns the target state for a trigger fired in from, if the edge exists.
func NextState(from models.AppState, trigger models.Trigger) (models.AppState, bool) {
	if trigger == models.TriggerReset {
		return models.StateInterviewing, true
	}
	to, ok := transitionTable[edge{from, trigger}]
	return to, ok
}

// TransitionTable returns the accepted edges in a stable order, reset excluded.
func TransitionTable() []TransitionRule {
	order := []models.AppState{
		models.StateInterviewing, models.StateFormPreview, models.StateFormActive,
		models.StateResearching, models.StatePresenting,
	}
	triggers := []models.Trigger{
		models.TriggerViewForm, models.TriggerEditForm, models.TriggerConfirmForm,
		models.TriggerBackToPreview, models.TriggerFormSubmitted,
		models.TriggerResearchCancelled, models.TriggerResearchComplete,
	}
	var rules []TransitionRule
	for _, from := range order {
		for _, trigger := range triggers {
			if to, ok := transitionTable[edge{from, trigger}]; ok {
				rules = append(rules, TransitionRule{From: from, Trigger: trigger, To: to})
			}
		}
	}
	return rules
}

// TransitionError describes a rejected transition. The machine's state is unchanged.
type TransitionError struct {
	From    models.AppState
	To      models.AppState
	Trigger models.Trigger
	// Err is ErrInvalidTransition or a guard failure such as ErrNoFormSchema.
	Err error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot transition from %s to %s on %q", e.From, e.To, e.Trigger)
	if e.Err != nil && !errors.Is(e.Err, ErrInvalidTransition) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrInvalidTransition and the specific cause.
func (e *TransitionError) Unwrap() []error {
	if e.Err == nil || errors.Is(e.Err, ErrInvalidTransition) {
		return []error{ErrInvalidTransition}
	}
	return []error{ErrInvalidTransition, e.Err}
}
