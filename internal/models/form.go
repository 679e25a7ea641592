// Package models defines the declarative form schema consumed by the form engine.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// FieldType is the declared input kind of a form field.
type FieldType string

const (
	FieldTypeText        FieldType = "text"
	FieldTypeTextarea    FieldType = "textarea"
	FieldTypeNumber      FieldType = "number"
	FieldTypeEmail       FieldType = "email"
	FieldTypeURL         FieldType = "url"
	FieldTypeSelect      FieldType = "select"
	FieldTypeMultiselect FieldType = "multiselect"
	FieldTypeRadio       FieldType = "radio"
	FieldTypeCheckbox    FieldType = "checkbox"
	FieldTypeDate        FieldType = "date"
	FieldTypeDatetime    FieldType = "datetime"
	FieldTypeBoolean     FieldType = "boolean"
	FieldTypePriority    FieldType = "priority"
	FieldTypeDealbreaker FieldType = "dealbreaker"
)

// IsValidFieldType checks if the given field type is supported.
func IsValidFieldType(ft FieldType) bool {
	switch ft {
	case FieldTypeText, FieldTypeTextarea, FieldTypeNumber, FieldTypeEmail, FieldTypeURL,
		FieldTypeSelect, FieldTypeMultiselect, FieldTypeRadio, FieldTypeCheckbox,
		FieldTypeDate, FieldTypeDatetime, FieldTypeBoolean, FieldTypePriority, FieldTypeDealbreaker:
		return true
	default:
		return false
	}
}

// IsListFieldType reports whether values of this field type are lists.
func IsListFieldType(ft FieldType) bool {
	return ft == FieldTypeMultiselect || ft == FieldTypeCheckbox
}

// ConditionOperator compares a field's current value against a condition value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpIsEmpty     ConditionOperator = "is_empty"
	OpIsNotEmpty  ConditionOperator = "is_not_empty"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
)

// IsValidConditionOperator checks if the given comparison operator is supported.
func IsValidConditionOperator(op ConditionOperator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpGreaterThan, OpLessThan,
		OpIsEmpty, OpIsNotEmpty, OpIn, OpNotIn:
		return true
	default:
		return false
	}
}

// LogicOperator combines the children of a ConditionGroup.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// FieldCondition is a single comparison against another field's value.
type FieldCondition struct {
	FieldID  string            `json:"fieldId"`
	Operator ConditionOperator `json:"operator"`
	Value    Value             `json:"value,omitempty"`
}

// ConditionGroup is a recursive boolean expression over conditions and nested groups.
type ConditionGroup struct {
	Operator   LogicOperator   `json:"operator"`
	Conditions []ConditionNode `json:"conditions"`
}

// ConditionNode is either a leaf condition or a nested group. Exactly one is set.
type ConditionNode struct {
	Condition *FieldCondition
	Group     *ConditionGroup
}

// ErrEmptyConditionNode is returned when a condition node carries neither a condition nor a group.
var ErrEmptyConditionNode = errors.New("condition node has neither a condition nor a group")

// Leaf wraps a field condition in a node.
func Leaf(c FieldCondition) ConditionNode { return ConditionNode{Condition: &c} }

// Nested wraps a condition group in a node.
func Nested(g ConditionGroup) ConditionNode { return ConditionNode{Group: &g} }

// MarshalJSON encodes the populated member without a wrapper object.
func (n ConditionNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Group != nil:
		return json.Marshal(n.Group)
	case n.Condition != nil:
		return json.Marshal(n.Condition)
	default:
		return nil, ErrEmptyConditionNode
	}
}

// UnmarshalJSON decides between group and condition by the presence of a "conditions" key.
func (n *ConditionNode) UnmarshalJSON(data []byte) error {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	if _, isGroup := shape["conditions"]; isGroup {
		var g ConditionGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		*n = ConditionNode{Group: &g}
		return nil
	}
	var c FieldCondition
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	*n = ConditionNode{Condition: &c}
	return nil
}

// ValidationRuleType names a validation check.
type ValidationRuleType string

const (
	RuleRequired  ValidationRuleType = "required"
	RuleMin       ValidationRuleType = "min"
	RuleMax       ValidationRuleType = "max"
	RuleMinLength ValidationRuleType = "minLength"
	RuleMaxLength ValidationRuleType = "maxLength"
	RulePattern   ValidationRuleType = "pattern"
	RuleEmail     ValidationRuleType = "email"
	RuleURL       ValidationRuleType = "url"
	RuleCustom    ValidationRuleType = "custom"
)

// ValidationRule is a declared check with a user-facing failure message.
type ValidationRule struct {
	Type    ValidationRuleType `json:"type"`
	Value   Value              `json:"value,omitempty"`
	Message string             `json:"message"`
}

// FieldOption is a selectable choice; Value is the normalized machine key.
type FieldOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Prefill records a value captured during the interview.
type Prefill struct {
	Value  Value  `json:"value"`
	Source string `json:"source"`
}

// FormField is one input in a criteria capture form.
type FormField struct {
	ID                     string           `json:"id"`
	Type                   FieldType        `json:"type"`
	Label                  string           `json:"label"`
	Description            string           `json:"description,omitempty"`
	Placeholder            string           `json:"placeholder,omitempty"`
	HelpText               string           `json:"helpText,omitempty"`
	DefaultValue           Value            `json:"defaultValue,omitempty"`
	Required               bool             `json:"required"`
	ValidationRules        []ValidationRule `json:"validationRules,omitempty"`
	Options                []FieldOption    `json:"options,omitempty"`
	VisibilityConditions   *ConditionGroup  `json:"visibilityConditions,omitempty"`
	DependsOn              []string         `json:"dependsOn,omitempty"`
	Group                  string           `json:"group,omitempty"`
	Order                  int              `json:"order"`
	PrefilledFromInterview *Prefill         `json:"prefilledFromInterview,omitempty"`
}

// FormGroup is an organizational heading for fields.
type FormGroup struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
}

// FormSchema is a generated criteria capture form.
type FormSchema struct {
	ID               string      `json:"id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Fields           []FormField `json:"fields"`
	Groups           []FormGroup `json:"groups,omitempty"`
	ResearchTopic    string      `json:"researchTopic"`
	InterviewContext string      `json:"interviewContext,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// Field returns the field with the given id.
func (s *FormSchema) Field(id string) (FormField, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FormField{}, false
}

// Clone returns a copy of the schema whose field and group slices are not shared.
func (s *FormSchema) Clone() *FormSchema {
	if s == nil {
		return nil
	}
	out := *s
	out.Fields = make([]FormField, len(s.Fields))
	copy(out.Fields, s.Fields)
	if s.Groups != nil {
		out.Groups = make([]FormGroup, len(s.Groups))
		copy(out.Groups, s.Groups)
	}
	return &out
}

// ResearchDepth is the user-chosen research modifier merged into form data at submission.
type ResearchDepth string

const (
	ResearchDepthStandard ResearchDepth = "standard"
	ResearchDepthDeep     ResearchDepth = "deep"
)

// ResearchDepthKey is the form data key carrying the research depth.
const ResearchDepthKey = "researchDepth"
