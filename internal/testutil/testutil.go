// Package testutil provides common test helpers for ResearchPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/ResearchPipe/internal/flow"
	"github.com/BTreeMap/ResearchPipe/internal/models"
	"github.com/BTreeMap/ResearchPipe/internal/store"
)

// SampleSchema returns a schema exercising conditional visibility: "budget" is
// shown only when "has_budget" is true, and "sources" only for deep research
// or when "region" is "global".
func SampleSchema() *models.FormSchema {
	return &models.FormSchema{
		ID:            "form_sample",
		Title:         "Heat pumps",
		ResearchTopic: "heat pumps",
		Fields: []models.FormField{
			{ID: "region", Type: models.FieldTypeText, Label: "Region", Required: true, Order: 0},
			{ID: "has_budget", Type: models.FieldTypeBoolean, Label: "Do you have a budget?", Order: 1},
			{
				ID: "budget", Type: models.FieldTypeNumber, Label: "Budget", Required: true, Order: 2,
				DependsOn: []string{"has_budget"},
				ValidationRules: []models.ValidationRule{
					{Type: models.RuleMin, Value: models.Number(0), Message: "Budget cannot be negative"},
				},
				VisibilityConditions: &models.ConditionGroup{
					Operator: models.LogicAnd,
					Conditions: []models.ConditionNode{
						models.Leaf(models.FieldCondition{FieldID: "has_budget", Operator: models.OpEquals, Value: models.Bool(true)}),
					},
				},
			},
			{
				ID: "sources", Type: models.FieldTypeMultiselect, Label: "Preferred sources", Order: 3,
				DependsOn: []string{"region"},
				Options: []models.FieldOption{
					{Value: "academic", Label: "Academic"},
					{Value: "industry", Label: "Industry"},
				},
				VisibilityConditions: &models.ConditionGroup{
					Operator: models.LogicOr,
					Conditions: []models.ConditionNode{
						models.Leaf(models.FieldCondition{FieldID: "region", Operator: models.OpEquals, Value: models.String("global")}),
						models.Leaf(models.FieldCondition{FieldID: "region", Operator: models.OpContains, Value: models.String("world")}),
					},
				},
			},
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// NewPersistentMachine creates a rehydrated machine backed by st. The machine is
// closed when the test ends.
func NewPersistentMachine(t testing.TB, st store.Store) *flow.Machine {
	t.Helper()
	m := flow.NewMachine(flow.WithStateManager(flow.NewStoreBasedStateManager(st)))
	if err := m.Rehydrate(context.Background()); err != nil {
		t.Fatalf("failed to rehydrate machine: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(context.Background()); err != nil {
			t.Errorf("failed to close machine: %v", err)
		}
	})
	return m
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DoJSON serves one request against h and decodes the response envelope.
func DoJSON(t testing.TB, h http.Handler, method, path, body string) (int, models.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp models.APIResponse
	if rr.Body.Len() > 0 {
		MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	}
	return rr.Code, resp
}

// DecodeResult re-decodes an envelope's result into target.
func DecodeResult(t testing.TB, resp models.APIResponse, target interface{}) {
	t.Helper()
	MustUnmarshalJSON(t, MustMarshalJSON(t, resp.Result), target)
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
