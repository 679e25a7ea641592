package form

import (
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/go-playground/validator/v10"
)

// global validator instance used for format checks
var validate = validator.New()

// Built-in custom rule names accepted in a custom rule's value.
const (
	CustomRuleInteger      = "integer"
	CustomRuleNoDuplicates = "no_duplicates"
)

// customRule checks a non-empty value. It returns true when the value is valid.
type customRule func(field models.FormField, value models.Value, data models.FormData) bool

var customRules = map[string]customRule{
	CustomRuleInteger: func(_ models.FormField, value models.Value, _ models.FormData) bool {
		n, ok := value.AsNumber()
		if !ok {
			return true
		}
		return n == math.Trunc(n)
	},
	CustomRuleNoDuplicates: func(_ models.FormField, value models.Value, _ models.FormData) bool {
		items := value.Items()
		return len(toSet(items)) == len(items)
	},
}

// Accepted date layouts for date and datetime fields.
var (
	dateLayouts     = []string{"2006-01-02"}
	datetimeLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02T15:04:05", "2006-01-02 15:04"}
)

// ValidateField validates one field's value and returns the first failing
// message, or the empty string when the value is valid. Empty optional values
// are valid without running other rules. Declared rules run in order, followed
// by the implicit format check for the field's type.
func ValidateField(field models.FormField, value models.Value, data models.FormData) string {
	if value.IsEmpty() {
		return requiredMessage(field)
	}

	for _, rule := range field.ValidationRules {
		if !checkRule(field, rule, value, data) {
			return ruleMessage(rule, field)
		}
	}

	return checkType(field, value)
}

// requiredMessage returns the failure message for an empty value, if the field requires one.
func requiredMessage(field models.FormField) string {
	for _, rule := range field.ValidationRules {
		if rule.Type == models.RuleRequired {
			return ruleMessage(rule, field)
		}
	}
	if field.Required {
		return defaultRequiredMessage(field)
	}
	return ""
}

func defaultRequiredMessage(field models.FormField) string {
	return fieldLabel(field) + " is required"
}

func fieldLabel(field models.FormField) string {
	if field.Label == "" {
		return field.ID
	}
	return field.Label
}

func ruleMessage(rule models.ValidationRule, field models.FormField) string {
	if rule.Message != "" {
		return rule.Message
	}
	if rule.Type == models.RuleRequired {
		return defaultRequiredMessage(field)
	}
	return fmt.Sprintf("%s is invalid", fieldLabel(field))
}

// checkRule returns true when the non-empty value satisfies the rule.
func checkRule(field models.FormField, rule models.ValidationRule, value models.Value, data models.FormData) bool {
	switch rule.Type {
	case models.RuleRequired:
		return true
	case models.RuleMin, models.RuleMax:
		if !isNumericField(field, value) {
			return true
		}
		n, ok := value.AsNumber()
		if !ok {
			return true
		}
		bound, ok := rule.Value.AsNumber()
		if !ok {
			return true
		}
		if rule.Type == models.RuleMin {
			return n >= bound
		}
		return n <= bound
	case models.RuleMinLength, models.RuleMaxLength:
		length, ok := valueLength(value)
		if !ok {
			return true
		}
		bound, ok := rule.Value.AsNumber()
		if !ok {
			return true
		}
		if rule.Type == models.RuleMinLength {
			return float64(length) >= bound
		}
		return float64(length) <= bound
	case models.RulePattern:
		if value.Kind != models.KindString {
			return false
		}
		re, err := regexp.Compile(rule.Value.Text())
		if err != nil {
			slog.Warn("form.ValidateField: invalid pattern rule, skipping", "field_id", field.ID, "pattern", rule.Value.Text(), "error", err)
			return true
		}
		return re.MatchString(value.Str)
	case models.RuleEmail:
		return isEmail(value)
	case models.RuleURL:
		return isURL(value)
	case models.RuleCustom:
		check, ok := customRules[rule.Value.Text()]
		if !ok {
			return true
		}
		return check(field, value, data)
	default:
		return true
	}
}

// checkType applies the implicit format contract of the field's declared type.
func checkType(field models.FormField, value models.Value) string {
	switch field.Type {
	case models.FieldTypeEmail:
		if !isEmail(value) {
			return "Please enter a valid email address"
		}
	case models.FieldTypeURL:
		if !isURL(value) {
			return "Please enter a valid URL"
		}
	case models.FieldTypeNumber:
		if _, ok := value.AsNumber(); !ok {
			return "Please enter a number"
		}
	case models.FieldTypeDate:
		if !parsesAs(value, dateLayouts) {
			return "Please enter a valid date"
		}
	case models.FieldTypeDatetime:
		if !parsesAs(value, datetimeLayouts) {
			return "Please enter a valid date and time"
		}
	case models.FieldTypeSelect, models.FieldTypeRadio, models.FieldTypeMultiselect:
		if len(field.Options) > 0 && !withinOptions(field.Options, value) {
			return "Please select a valid option"
		}
	}
	return ""
}

func isNumericField(field models.FormField, value models.Value) bool {
	return value.Kind == models.KindNumber || field.Type == models.FieldTypeNumber || field.Type == models.FieldTypePriority
}

func valueLength(v models.Value) (int, bool) {
	switch v.Kind {
	case models.KindString:
		return utf8.RuneCountInString(v.Str), true
	case models.KindList:
		return len(v.List), true
	default:
		return 0, false
	}
}

func isEmail(v models.Value) bool {
	if v.Kind != models.KindString {
		return false
	}
	return validate.Var(strings.TrimSpace(v.Str), "required,email") == nil
}

func isURL(v models.Value) bool {
	if v.Kind != models.KindString {
		return false
	}
	u, err := url.Parse(strings.TrimSpace(v.Str))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func parsesAs(v models.Value, layouts []string) bool {
	if v.Kind != models.KindString {
		return false
	}
	for _, layout := range layouts {
		if _, err := time.Parse(layout, v.Str); err == nil {
			return true
		}
	}
	return false
}

func withinOptions(options []models.FieldOption, v models.Value) bool {
	allowed := make(map[string]struct{}, len(options))
	for _, o := range options {
		allowed[o.Value] = struct{}{}
	}
	for _, item := range v.Items() {
		if _, ok := allowed[item]; !ok {
			return false
		}
	}
	return true
}
