package form

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/util"
	"github.com/tidwall/gjson"
)

// GenerateFormAction is the action tag the chat backend uses for form payloads.
const GenerateFormAction = "generate_form"

// ErrPayloadNotFound is returned when text carries no generate_form payload.
var ErrPayloadNotFound = errors.New("generate_form payload not found")

type formPayload struct {
	Action string `json:"action"`
	Form   struct {
		Title            string             `json:"title"`
		Description      string             `json:"description"`
		ResearchTopic    string             `json:"researchTopic"`
		InterviewContext string             `json:"interviewContext"`
		Fields           []payloadField     `json:"fields"`
		Groups           []models.FormGroup `json:"groups"`
	} `json:"form"`
}

type payloadField struct {
	ID                     string                  `json:"id"`
	Type                   models.FieldType        `json:"type"`
	Label                  string                  `json:"label"`
	Description            string                  `json:"description"`
	Placeholder            string                  `json:"placeholder"`
	HelpText               string                  `json:"helpText"`
	DefaultValue           models.Value            `json:"defaultValue"`
	Required               bool                    `json:"required"`
	ValidationRules        []models.ValidationRule `json:"validationRules"`
	Options                []json.RawMessage       `json:"options"`
	ShowOnlyIf             *showOnlyIf             `json:"showOnlyIf"`
	VisibilityConditions   *models.ConditionGroup  `json:"visibilityConditions"`
	DependsOn              []string                `json:"dependsOn"`
	Group                  string                  `json:"group"`
	PrefilledFromInterview *models.Prefill         `json:"prefilledFromInterview"`
}

type showOnlyIf struct {
	DependsOnField string                   `json:"dependsOnField"`
	Condition      models.ConditionOperator `json:"condition"`
	Value          models.Value             `json:"value"`
}

// FindFormPayload locates the first generate_form JSON object in text. The text
// may be the bare object or chat prose with the object embedded.
func FindFormPayload(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if gjson.Valid(trimmed) && gjson.Get(trimmed, "action").String() == GenerateFormAction {
		return trimmed, true
	}
	for i := strings.IndexByte(text, '{'); i >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil && gjson.GetBytes(raw, "action").String() == GenerateFormAction {
			return string(raw), true
		}
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return "", false
}

// ParseGenerateFormPayload builds a FormSchema from text carrying a generate_form
// payload. Single showOnlyIf conditions are normalized into one-condition AND
// groups with a matching dependsOn entry. Integrity anomalies are logged; the
// schema is still returned so the form can load.
func ParseGenerateFormPayload(text string) (*models.FormSchema, error) {
	raw, ok := FindFormPayload(text)
	if !ok {
		return nil, ErrPayloadNotFound
	}
	var p formPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode generate_form payload: %w", err)
	}

	schema := &models.FormSchema{
		ID:               util.NewID("form_"),
		Title:            p.Form.Title,
		Description:      p.Form.Description,
		Fields:           make([]models.FormField, 0, len(p.Form.Fields)),
		Groups:           p.Form.Groups,
		ResearchTopic:    p.Form.ResearchTopic,
		InterviewContext: p.Form.InterviewContext,
		CreatedAt:        time.Now(),
	}
	if schema.Title == "" {
		schema.Title = schema.ResearchTopic
	}
	for i, pf := range p.Form.Fields {
		schema.Fields = append(schema.Fields, normalizeField(i, pf))
	}

	if err := CheckSchema(schema); err != nil {
		slog.Warn("form.ParseGenerateFormPayload: schema integrity anomalies", "schema_id", schema.ID, "error", err)
	}
	slog.Debug("form.ParseGenerateFormPayload: parsed", "schema_id", schema.ID, "fields", len(schema.Fields))
	return schema, nil
}

// ParseFormSchema decodes a JSON form description. Both generate_form envelopes
// and already-normalized FormSchema objects are accepted.
func ParseFormSchema(raw []byte) (*models.FormSchema, error) {
	raw = bytes.TrimSpace(raw)
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid form schema JSON")
	}
	if gjson.GetBytes(raw, "action").String() == GenerateFormAction {
		return ParseGenerateFormPayload(string(raw))
	}
	if !gjson.GetBytes(raw, "fields").IsArray() {
		return nil, ErrPayloadNotFound
	}

	var schema models.FormSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("failed to decode form schema: %w", err)
	}
	if schema.ID == "" {
		schema.ID = util.NewID("form_")
	}
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now()
	}
	if schema.Fields == nil {
		schema.Fields = []models.FormField{}
	}
	if err := CheckSchema(&schema); err != nil {
		slog.Warn("form.ParseFormSchema: schema integrity anomalies", "schema_id", schema.ID, "error", err)
	}
	return &schema, nil
}

func normalizeField(index int, pf payloadField) models.FormField {
	f := models.FormField{
		ID:                     pf.ID,
		Type:                   pf.Type,
		Label:                  pf.Label,
		Description:            pf.Description,
		Placeholder:            pf.Placeholder,
		HelpText:               pf.HelpText,
		DefaultValue:           pf.DefaultValue,
		Required:               pf.Required,
		ValidationRules:        pf.ValidationRules,
		VisibilityConditions:   pf.VisibilityConditions,
		DependsOn:              pf.DependsOn,
		Group:                  pf.Group,
		Order:                  index,
		PrefilledFromInterview: pf.PrefilledFromInterview,
	}
	if f.ID == "" {
		f.ID = NormalizeOptionValue(f.Label)
		if f.ID == "" {
			f.ID = fmt.Sprintf("field_%d", index)
		}
	}
	if !models.IsValidFieldType(f.Type) {
		slog.Warn("form.ParseGenerateFormPayload: unknown field type, using text", "field_id", f.ID, "type", f.Type)
		f.Type = models.FieldTypeText
	}

	for _, rawOpt := range pf.Options {
		if opt, ok := normalizeOption(rawOpt); ok {
			f.Options = append(f.Options, opt)
		}
	}

	if s := pf.ShowOnlyIf; s != nil && s.DependsOnField != "" && f.VisibilityConditions == nil {
		op := s.Condition
		if op == "" {
			op = models.OpEquals
		}
		f.VisibilityConditions = &models.ConditionGroup{
			Operator: models.LogicAnd,
			Conditions: []models.ConditionNode{
				models.Leaf(models.FieldCondition{FieldID: s.DependsOnField, Operator: op, Value: s.Value}),
			},
		}
		f.DependsOn = []string{s.DependsOnField}
	}
	return f
}

// normalizeOption accepts either a bare label string or an option object.
func normalizeOption(raw json.RawMessage) (models.FieldOption, bool) {
	r := gjson.ParseBytes(raw)
	switch {
	case r.Type == gjson.String:
		label := strings.TrimSpace(r.String())
		if label == "" {
			return models.FieldOption{}, false
		}
		return models.FieldOption{Value: NormalizeOptionValue(label), Label: label}, true
	case r.IsObject():
		opt := models.FieldOption{
			Value:       strings.TrimSpace(r.Get("value").String()),
			Label:       strings.TrimSpace(r.Get("label").String()),
			Description: r.Get("description").String(),
		}
		if opt.Value == "" {
			opt.Value = NormalizeOptionValue(opt.Label)
		}
		if opt.Label == "" {
			opt.Label = opt.Value
		}
		return opt, opt.Value != ""
	default:
		return models.FieldOption{}, false
	}
}
