package form

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/util"
)

// GetVisibleFields returns the fields whose visibility conditions hold, sorted by
// order. Fields without conditions are always visible, as are fields whose
// condition wiring is malformed.
func GetVisibleFields(schema *models.FormSchema, data models.FormData) []models.FormField {
	if schema == nil {
		return nil
	}
	return visibleFields(schema, data, MalformedFields(schema))
}

func visibleFields(schema *models.FormSchema, data models.FormData, malformed map[string]bool) []models.FormField {
	visible := make([]models.FormField, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		if malformed[f.ID] {
			slog.Debug("form.GetVisibleFields: malformed conditions, showing field", "field_id", f.ID)
			visible = append(visible, f)
			continue
		}
		if EvaluateConditionGroup(f.VisibilityConditions, data) {
			visible = append(visible, f)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool { return visible[i].Order < visible[j].Order })
	return visible
}

// ValidateForm validates every currently visible field and returns failing
// messages keyed by field id. Hidden and malformed fields are exempt.
func ValidateForm(schema *models.FormSchema, data models.FormData) map[string]string {
	if schema == nil {
		return make(map[string]string)
	}
	malformed := MalformedFields(schema)
	return validateFields(visibleFields(schema, data, malformed), data, malformed)
}

func validateFields(fields []models.FormField, data models.FormData, malformed map[string]bool) map[string]string {
	errs := make(map[string]string)
	for _, f := range fields {
		if malformed[f.ID] {
			continue
		}
		if msg := ValidateField(f, data.Get(f.ID), data); msg != "" {
			errs[f.ID] = msg
		}
	}
	return errs
}

// PageCount returns the number of form steps for the given visible field count. It is at least one.
func PageCount(visibleCount, pageSize int) int {
	if pageSize <= 0 {
		pageSize = models.DefaultPageSize
	}
	if visibleCount <= 0 {
		return 1
	}
	return (visibleCount + pageSize - 1) / pageSize
}

// ClampStep bounds a step index to [0, pageCount-1].
func ClampStep(step, pageCount int) int {
	if step >= pageCount {
		step = pageCount - 1
	}
	if step < 0 {
		step = 0
	}
	return step
}

// Paginate chunks visible fields into fixed-size pages. It always returns at least one page.
func Paginate(fields []models.FormField, pageSize int) [][]models.FormField {
	if pageSize <= 0 {
		pageSize = models.DefaultPageSize
	}
	pages := make([][]models.FormField, 0, PageCount(len(fields), pageSize))
	for start := 0; start < len(fields); start += pageSize {
		end := start + pageSize
		if end > len(fields) {
			end = len(fields)
		}
		pages = append(pages, fields[start:end])
	}
	if len(pages) == 0 {
		pages = append(pages, []models.FormField{})
	}
	return pages
}

// StepFields returns the visible fields on a step after clamping the step to the
// current page count. The clamped step is returned alongside.
func StepFields(schema *models.FormSchema, data models.FormData, step, pageSize int) ([]models.FormField, int) {
	return stepFields(GetVisibleFields(schema, data), step, pageSize)
}

func stepFields(visible []models.FormField, step, pageSize int) ([]models.FormField, int) {
	pages := Paginate(visible, pageSize)
	step = ClampStep(step, len(pages))
	return pages[step], step
}

// ValidateStep validates only the visible fields on one step.
func ValidateStep(schema *models.FormSchema, data models.FormData, step, pageSize int) map[string]string {
	if schema == nil {
		return make(map[string]string)
	}
	malformed := MalformedFields(schema)
	fields, _ := stepFields(visibleFields(schema, data, malformed), step, pageSize)
	return validateFields(fields, data, malformed)
}

// CanAdvance is the conservative continue gate: false while any required field on the step is empty.
// It does not replace ValidateStep.
func CanAdvance(fields []models.FormField, data models.FormData) bool {
	for _, f := range fields {
		if f.Required && data.Get(f.ID).IsEmpty() {
			return false
		}
	}
	return true
}

// AddFieldToSchema returns a new schema with the field appended and its order
// set to the previous field count. The input schema is not modified.
func AddFieldToSchema(schema *models.FormSchema, field models.FormField) *models.FormSchema {
	out := schema.Clone()
	if out == nil {
		out = &models.FormSchema{}
	}
	field.Order = len(out.Fields)
	out.Fields = append(out.Fields, field)
	return out
}

// CreateEmptyFormSchema returns a fresh schema with no fields for interactive authoring.
func CreateEmptyFormSchema(researchTopic string) *models.FormSchema {
	return &models.FormSchema{
		ID:            util.NewID("form_"),
		Title:         researchTopic,
		Fields:        []models.FormField{},
		ResearchTopic: researchTopic,
		CreatedAt:     time.Now(),
	}
}

// InitialFormData seeds form data from interview prefills, falling back to declared defaults.
func InitialFormData(schema *models.FormSchema) models.FormData {
	data := make(models.FormData)
	if schema == nil {
		return data
	}
	for _, f := range schema.Fields {
		switch {
		case f.PrefilledFromInterview != nil && !f.PrefilledFromInterview.Value.IsUndefined():
			data[f.ID] = CoerceValue(f, f.PrefilledFromInterview.Value)
		case !f.DefaultValue.IsUndefined():
			data[f.ID] = CoerceValue(f, f.DefaultValue)
		}
	}
	return data
}

// WithResearchDepth returns a copy of data carrying the research depth. Unknown depths become standard.
func WithResearchDepth(data models.FormData, depth models.ResearchDepth) models.FormData {
	out := data.Clone()
	if out == nil {
		out = make(models.FormData)
	}
	if depth != models.ResearchDepthDeep {
		depth = models.ResearchDepthStandard
	}
	out[models.ResearchDepthKey] = models.String(string(depth))
	return out
}

// CoerceValue converts a raw UI value to the representation expected by the field's type.
// Values that cannot be converted are returned unchanged so validation can report them.
func CoerceValue(field models.FormField, v models.Value) models.Value {
	if v.IsUndefined() {
		return v
	}
	switch field.Type {
	case models.FieldTypeNumber, models.FieldTypePriority:
		if v.Kind == models.KindString {
			if strings.TrimSpace(v.Str) == "" {
				return models.String("")
			}
			if n, ok := v.AsNumber(); ok {
				return models.Number(n)
			}
		}
	case models.FieldTypeBoolean:
		if b, ok := parseBool(v); ok {
			return models.Bool(b)
		}
	case models.FieldTypeMultiselect, models.FieldTypeCheckbox:
		if field.Type == models.FieldTypeCheckbox && len(field.Options) == 0 {
			// a lone checkbox is a yes/no toggle
			if b, ok := parseBool(v); ok {
				return models.Bool(b)
			}
			return v.Clone()
		}
		if v.Kind != models.KindList {
			if v.IsEmpty() {
				return models.List()
			}
			return models.List(v.Text())
		}
	}
	return v.Clone()
}

func parseBool(v models.Value) (bool, bool) {
	switch v.Kind {
	case models.KindBool:
		return v.Bool, true
	case models.KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
		return b, err == nil
	default:
		return false, false
	}
}

// NormalizeOptionValue lower-cases a label and replaces whitespace runs with underscores.
func NormalizeOptionValue(label string) string {
	return strings.Join(strings.Fields(strings.ToLower(label)), "_")
}
