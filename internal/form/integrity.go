package form

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/ResearchPipe/internal/models"
)

// ErrSchemaIntegrity is wrapped by IntegrityError.
var ErrSchemaIntegrity = errors.New("schema integrity error")

// Problem is one schema-integrity anomaly. FieldID is empty for schema-wide problems.
type Problem struct {
	FieldID string `json:"fieldId,omitempty"`
	Message string `json:"message"`
}

// IntegrityError lists every anomaly found in a schema.
type IntegrityError struct {
	Problems []Problem
}

func (e *IntegrityError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.FieldID != "" {
			parts = append(parts, p.FieldID+": "+p.Message)
		} else {
			parts = append(parts, p.Message)
		}
	}
	return fmt.Sprintf("%s: %s", ErrSchemaIntegrity, strings.Join(parts, "; "))
}

func (e *IntegrityError) Unwrap() error { return ErrSchemaIntegrity }

// CheckSchema reports duplicate ids, unknown field types, malformed condition
// trees, dependsOn drift, and dependency cycles. It returns nil for a clean schema.
func CheckSchema(schema *models.FormSchema) error {
	if schema == nil {
		return nil
	}
	var problems []Problem

	known := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.ID == "" {
			problems = append(problems, Problem{Message: fmt.Sprintf("field %q has an empty id", f.Label)})
			continue
		}
		if known[f.ID] {
			problems = append(problems, Problem{FieldID: f.ID, Message: "duplicate field id"})
		}
		known[f.ID] = true
	}

	for _, f := range schema.Fields {
		if !models.IsValidFieldType(f.Type) {
			problems = append(problems, Problem{FieldID: f.ID, Message: fmt.Sprintf("unknown field type %q", f.Type)})
		}
		for _, msg := range fieldProblems(f, known) {
			problems = append(problems, Problem{FieldID: f.ID, Message: msg})
		}
	}

	if err := CheckDependencyCycles(schema.Fields); err != nil {
		problems = append(problems, Problem{Message: err.Error()})
	}

	if len(problems) == 0 {
		return nil
	}
	return &IntegrityError{Problems: problems}
}

// MalformedFields returns the ids of fields whose visibility wiring is broken.
// Such fields are rendered as always visible and are exempt from validation.
func MalformedFields(schema *models.FormSchema) map[string]bool {
	out := make(map[string]bool)
	if schema == nil {
		return out
	}
	known := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		known[f.ID] = true
	}
	for _, f := range schema.Fields {
		if len(fieldProblems(f, known)) > 0 {
			out[f.ID] = true
		}
	}
	for _, id := range cycleMembers(schema.Fields) {
		out[id] = true
	}
	return out
}

// fieldProblems checks a field's condition tree and its dependsOn consistency.
func fieldProblems(f models.FormField, known map[string]bool) []string {
	var problems []string
	for _, dep := range f.DependsOn {
		if dep == f.ID {
			problems = append(problems, "field depends on itself")
		} else if !known[dep] {
			problems = append(problems, fmt.Sprintf("dependsOn references unknown field %q", dep))
		}
	}
	if f.VisibilityConditions == nil {
		return problems
	}

	depth, nodes := treeSize(f.VisibilityConditions)
	if depth > models.MaxConditionDepth {
		problems = append(problems, fmt.Sprintf("condition tree depth %d exceeds %d", depth, models.MaxConditionDepth))
	}
	if nodes > models.MaxConditionNodes {
		problems = append(problems, fmt.Sprintf("condition tree has %d nodes, limit is %d", nodes, models.MaxConditionNodes))
	}

	dependsOn := make(map[string]bool, len(f.DependsOn))
	for _, dep := range f.DependsOn {
		dependsOn[dep] = true
	}
	walkGroup(f.VisibilityConditions, func(g *models.ConditionGroup) {
		if g.Operator != models.LogicAnd && g.Operator != models.LogicOr {
			problems = append(problems, fmt.Sprintf("unknown group operator %q", g.Operator))
		}
		for _, n := range g.Conditions {
			if n.Group == nil && n.Condition == nil {
				problems = append(problems, models.ErrEmptyConditionNode.Error())
			}
		}
	}, func(c *models.FieldCondition) {
		if !models.IsValidConditionOperator(c.Operator) {
			problems = append(problems, fmt.Sprintf("unknown condition operator %q", c.Operator))
		}
		switch {
		case c.FieldID == "":
			problems = append(problems, "condition has an empty fieldId")
		case !known[c.FieldID]:
			problems = append(problems, fmt.Sprintf("condition references unknown field %q", c.FieldID))
		case !dependsOn[c.FieldID]:
			problems = append(problems, fmt.Sprintf("condition references %q which is missing from dependsOn", c.FieldID))
		}
	})
	return problems
}

// ReferencedFields returns the field ids referenced anywhere inside a condition tree, in first-seen order.
func ReferencedFields(g *models.ConditionGroup) []string {
	seen := make(map[string]bool)
	var out []string
	walkGroup(g, nil, func(c *models.FieldCondition) {
		if !seen[c.FieldID] {
			seen[c.FieldID] = true
			out = append(out, c.FieldID)
		}
	})
	return out
}

func walkGroup(g *models.ConditionGroup, onGroup func(*models.ConditionGroup), onCondition func(*models.FieldCondition)) {
	if g == nil {
		return
	}
	if onGroup != nil {
		onGroup(g)
	}
	for _, n := range g.Conditions {
		switch {
		case n.Group != nil:
			walkGroup(n.Group, onGroup, onCondition)
		case n.Condition != nil && onCondition != nil:
			onCondition(n.Condition)
		}
	}
}

// treeSize returns the depth and total node count of a condition tree.
func treeSize(g *models.ConditionGroup) (depth, nodes int) {
	if g == nil {
		return 0, 0
	}
	nodes = 1
	maxChild := 0
	for _, n := range g.Conditions {
		if n.Group != nil {
			d, c := treeSize(n.Group)
			nodes += c
			if d > maxChild {
				maxChild = d
			}
		} else {
			nodes++
		}
	}
	return maxChild + 1, nodes
}

// cycleMembers returns the ids of fields that sit on a dependsOn cycle.
func cycleMembers(fields []models.FormField) []string {
	deps := make(map[string][]string, len(fields))
	for _, f := range fields {
		deps[f.ID] = f.DependsOn
	}
	var out []string
	for _, f := range fields {
		if reaches(deps, f.ID, f.ID) {
			out = append(out, f.ID)
		}
	}
	return out
}

// reaches reports whether target is reachable from start via one or more dependsOn edges.
func reaches(deps map[string][]string, start, target string) bool {
	seen := make(map[string]bool)
	stack := append([]string{}, deps[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, deps[id]...)
	}
	return false
}
