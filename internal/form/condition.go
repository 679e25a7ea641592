// Package form implements the declarative conditional form engine: condition
// evaluation, field validation, dependency resolution, and schema operations.
package form

import (
	"strings"

	"github.com/BTreeMap/ResearchPipe/internal/models"
)

// EvaluateCondition evaluates one comparison against the current form data.
// A field missing from data is treated as undefined.
func EvaluateCondition(c models.FieldCondition, data models.FormData) bool {
	actual := data.Get(c.FieldID)

	switch c.Operator {
	case models.OpEquals:
		return looseEquals(actual, c.Value)
	case models.OpNotEquals:
		return !looseEquals(actual, c.Value)
	case models.OpContains:
		return contains(actual, c.Value)
	case models.OpNotContains:
		return !contains(actual, c.Value)
	case models.OpGreaterThan:
		a, b, ok := numericPair(actual, c.Value)
		return ok && a > b
	case models.OpLessThan:
		a, b, ok := numericPair(actual, c.Value)
		return ok && a < b
	case models.OpIsEmpty:
		return actual.IsEmpty()
	case models.OpIsNotEmpty:
		return !actual.IsEmpty()
	case models.OpIn:
		return in(actual, c.Value)
	case models.OpNotIn:
		return !in(actual, c.Value)
	default:
		return false
	}
}

// EvaluateConditionGroup evaluates a boolean condition tree with short-circuiting.
// An empty AND group is true and an empty OR group is false. A nil group is true.
func EvaluateConditionGroup(g *models.ConditionGroup, data models.FormData) bool {
	if g == nil {
		return true
	}
	if g.Operator == models.LogicOr {
		for _, node := range g.Conditions {
			if evaluateNode(node, data) {
				return true
			}
		}
		return false
	}
	for _, node := range g.Conditions {
		if !evaluateNode(node, data) {
			return false
		}
	}
	return true
}

func evaluateNode(n models.ConditionNode, data models.FormData) bool {
	switch {
	case n.Group != nil:
		return EvaluateConditionGroup(n.Group, data)
	case n.Condition != nil:
		return EvaluateCondition(*n.Condition, data)
	default:
		return false
	}
}

// looseEquals compares scalars by numeric value when both sides are numeric and by
// text otherwise. Lists are compared as sets. An undefined field equals only an
// undefined or empty condition value.
func looseEquals(actual, expected models.Value) bool {
	if actual.IsUndefined() || expected.IsUndefined() {
		return actual.IsEmpty() && expected.IsEmpty()
	}
	if actual.Kind == models.KindList || expected.Kind == models.KindList {
		return sameSet(actual.Items(), expected.Items())
	}
	if a, b, ok := numericPair(actual, expected); ok {
		return a == b
	}
	return actual.Text() == expected.Text()
}

func sameSet(a, b []string) bool {
	left := toSet(a)
	right := toSet(b)
	if len(left) != len(right) {
		return false
	}
	for k := range left {
		if _, ok := right[k]; !ok {
			return false
		}
	}
	return true
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

func contains(actual, needle models.Value) bool {
	switch actual.Kind {
	case models.KindString:
		if needle.IsUndefined() {
			return false
		}
		return strings.Contains(actual.Str, needle.Text())
	case models.KindList:
		for _, want := range needle.Items() {
			found := false
			for _, item := range actual.List {
				if item == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return !needle.IsEmpty()
	default:
		return false
	}
}

func in(actual, set models.Value) bool {
	if actual.IsEmpty() {
		return false
	}
	members := toSet(set.Items())
	for _, item := range actual.Items() {
		if _, ok := members[item]; ok {
			return true
		}
	}
	return false
}

// numericPair returns both values as numbers, failing closed when either is not numeric.
func numericPair(a, b models.Value) (float64, float64, bool) {
	x, ok := a.AsNumber()
	if !ok {
		return 0, 0, false
	}
	y, ok := b.AsNumber()
	if !ok {
		return 0, 0, false
	}
	return x, y, true
}
