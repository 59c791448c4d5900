package expr

import "testing"

func TestEvalBoolComparisons(t *testing.T) {
	scope := map[string]any{"score": 0.9, "status": "ok"}
	cases := map[string]bool{
		"score > 0.5":             true,
		"score > 0.95":            false,
		"status == \"ok\"":        true,
		"status != \"ok\"":        false,
		"score > 0.5 && status == \"ok\"": true,
		"score > 0.95 || status == \"ok\"": true,
		"!(score > 0.95)":         true,
	}
	for e, want := range cases {
		if got := EvalBool(e, scope); got != want {
			t.Errorf("EvalBool(%q) = %v, want %v", e, got, want)
		}
	}
}

func TestEvalFieldAccessDottedPath(t *testing.T) {
	scope := map[string]any{
		"outputs": map[string]any{
			"step1": map[string]any{"score": 0.8},
		},
	}
	if !EvalBool("outputs.step1.score > 0.5", scope) {
		t.Fatalf("expected dotted field access to resolve and compare true")
	}
}

func TestEvalUnresolvedPathIsFalseNotError(t *testing.T) {
	scope := map[string]any{"outputs": map[string]any{}}
	if EvalBool("outputs.missing.score > 0.5", scope) {
		t.Fatalf("expected unresolved path comparison to be false")
	}
}

func TestEvalArithmetic(t *testing.T) {
	scope := map[string]any{"count": 3.0}
	v, err := Eval("count * 2 + 1", scope)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if v.(float64) != 7 {
		t.Fatalf("expected 7, got %v", v)
	}
}

func TestEvalMalformedExpressionFailsClosed(t *testing.T) {
	if EvalBool("score >", map[string]any{"score": 1.0}) {
		t.Fatalf("expected malformed expression to evaluate to false")
	}
	if EvalBool("score +++ 1", map[string]any{"score": 1.0}) {
		t.Fatalf("expected malformed expression to evaluate to false")
	}
}

func TestEvalDivisionByZeroFailsClosed(t *testing.T) {
	if EvalBool("1 / 0 > 0", nil) {
		t.Fatalf("expected division-by-zero expression to evaluate to false via EvalBool")
	}
}

func TestEvalNoHostAccess(t *testing.T) {
	// There is no identifier resolution beyond the supplied scope map, and
	// no call syntax at all — this is a sanity check that arbitrary
	// identifiers never panic or reach outside the sandbox.
	if EvalBool("os.Getenv", map[string]any{}) {
		t.Fatalf("expected unresolved/unsupported identifier expression to be false")
	}
}
