package edge

import (
	"testing"

	"github.com/agentloom/loom/internal/goal"
	"github.com/agentloom/loom/internal/graphspec"
)

func TestShouldTraverse_Always(t *testing.T) {
	e := graphspec.EdgeSpec{Condition: graphspec.ConditionAlways}
	ok, err := ShouldTraverse(e, TraversalInput{Success: false})
	if err != nil || !ok {
		t.Fatalf("always edge should traverse unconditionally, got ok=%v err=%v", ok, err)
	}
}

func TestShouldTraverse_OnSuccessAndOnFailure(t *testing.T) {
	onSuccess := graphspec.EdgeSpec{Condition: graphspec.ConditionOnSuccess}
	onFailure := graphspec.EdgeSpec{Condition: graphspec.ConditionOnFailure}

	if ok, _ := ShouldTraverse(onSuccess, TraversalInput{Success: true}); !ok {
		t.Error("on_success should traverse when source succeeded")
	}
	if ok, _ := ShouldTraverse(onSuccess, TraversalInput{Success: false}); ok {
		t.Error("on_success should not traverse when source failed")
	}
	if ok, _ := ShouldTraverse(onFailure, TraversalInput{Success: false}); !ok {
		t.Error("on_failure should traverse when source failed")
	}
	if ok, _ := ShouldTraverse(onFailure, TraversalInput{Success: true}); ok {
		t.Error("on_failure should not traverse when source succeeded")
	}
}

func TestShouldTraverse_ConditionalEvaluatesPredicate(t *testing.T) {
	e := graphspec.EdgeSpec{
		Condition: graphspec.ConditionConditional,
		Predicate: `output.score > 50`,
	}

	ok, err := ShouldTraverse(e, TraversalInput{Output: map[string]any{"score": 80}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected predicate to be true for score 80 > 50")
	}

	ok, err = ShouldTraverse(e, TraversalInput{Output: map[string]any{"score": 10}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected predicate to be false for score 10 > 50")
	}
}

func TestShouldTraverse_ConditionalCanReferenceMemoryAndGoal(t *testing.T) {
	e := graphspec.EdgeSpec{
		Condition: graphspec.ConditionConditional,
		Predicate: `memory.approved and result`,
	}

	g := &goal.Goal{ID: "g1", Name: "ship it", Description: "ship the feature"}
	ok, err := ShouldTraverse(e, TraversalInput{
		Success: true,
		Memory:  map[string]any{"approved": true},
		Goal:    g,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected predicate to be true")
	}
}

func TestShouldTraverse_ConditionalCompileErrorSurfaces(t *testing.T) {
	e := graphspec.EdgeSpec{Condition: graphspec.ConditionConditional, Predicate: "output.score >"}
	_, err := ShouldTraverse(e, TraversalInput{})
	if err == nil {
		t.Fatal("expected a compile error for malformed predicate")
	}
}

func TestShouldTraverse_UnknownConditionErrors(t *testing.T) {
	e := graphspec.EdgeSpec{Condition: "bogus"}
	_, err := ShouldTraverse(e, TraversalInput{})
	if err == nil {
		t.Fatal("expected error for unknown condition")
	}
}

func TestMapInputs_PrefersSourceOutputOverMemory(t *testing.T) {
	e := graphspec.EdgeSpec{InputMap: map[string]string{"lead_email": "email"}}
	sourceOutput := map[string]any{"lead_email": "from-output@example.com"}
	memory := map[string]any{"lead_email": "from-memory@example.com"}

	mapped := MapInputs(e, sourceOutput, memory)
	if mapped["email"] != "from-output@example.com" {
		t.Errorf("email = %v, want value from source output", mapped["email"])
	}
}

func TestMapInputs_FallsBackToMemory(t *testing.T) {
	e := graphspec.EdgeSpec{InputMap: map[string]string{"company_name": "company"}}
	mapped := MapInputs(e, map[string]any{}, map[string]any{"company_name": "Acme"})

	if mapped["company"] != "Acme" {
		t.Errorf("company = %v, want Acme", mapped["company"])
	}
}

func TestMapInputs_MissingFromBothIsOmitted(t *testing.T) {
	e := graphspec.EdgeSpec{InputMap: map[string]string{"missing": "target"}}
	mapped := MapInputs(e, map[string]any{}, map[string]any{})

	if _, ok := mapped["target"]; ok {
		t.Error("expected target to be absent when neither source has the key")
	}
}
