package validate

import "testing"

func TestValidateIterationWellFormed(t *testing.T) {
	raw := `{
		"hypothesis": "off-by-one in loop bound",
		"confidence": 0.8,
		"status_signal": "CONTINUE",
		"observations": ["loop runs one extra time"]
	}`
	env, err := ValidateIteration(raw)
	if err != nil {
		t.Fatalf("ValidateIteration: %v", err)
	}
	if env.Hypothesis != "off-by-one in loop bound" {
		t.Fatalf("unexpected hypothesis: %s", env.Hypothesis)
	}
	if env.StatusSignal != StatusContinue {
		t.Fatalf("unexpected status: %s", env.StatusSignal)
	}
}

func TestValidateIterationRejectsMissingRequired(t *testing.T) {
	raw := `{"confidence": 0.5}`
	if _, err := ValidateIteration(raw); err == nil {
		t.Fatal("expected error for missing hypothesis/status_signal")
	}
}

func TestValidateIterationRejectsUnknownStatus(t *testing.T) {
	raw := `{"hypothesis": "x", "confidence": 0.5, "status_signal": "MAYBE"}`
	if _, err := ValidateIteration(raw); err == nil {
		t.Fatal("expected error for unknown status_signal")
	}
}

func TestValidateIterationRejectsOutOfRangeConfidence(t *testing.T) {
	raw := `{"hypothesis": "x", "confidence": 1.5, "status_signal": "DONE"}`
	if _, err := ValidateIteration(raw); err == nil {
		t.Fatal("expected error for confidence > 1.0")
	}
}

func TestValidateIterationSalvagesSurroundingProse(t *testing.T) {
	raw := "Here is my analysis:\n\n```json\n{\n  \"hypothesis\": \"race in worker pool\",\n  \"confidence\": 0.6,\n  \"status_signal\": \"NEEDS_MORE_WORK\",\n}\n```\n\nLet me know if you want more detail."
	env, err := ValidateIteration(raw)
	if err != nil {
		t.Fatalf("ValidateIteration: %v", err)
	}
	if env.Hypothesis != "race in worker pool" {
		t.Fatalf("unexpected hypothesis: %s", env.Hypothesis)
	}
}

func TestValidateIterationSalvagesUnquotedKeys(t *testing.T) {
	raw := `{hypothesis: "memory leak in cache", confidence: 0.4, status_signal: "BLOCKED"}`
	env, err := ValidateIteration(raw)
	if err != nil {
		t.Fatalf("ValidateIteration: %v", err)
	}
	if env.StatusSignal != StatusBlocked {
		t.Fatalf("unexpected status: %s", env.StatusSignal)
	}
}

func TestValidateIterationFailsOnGarbage(t *testing.T) {
	if _, err := ValidateIteration("not json at all, just prose"); err == nil {
		t.Fatal("expected error for non-JSON garbage")
	}
}

func TestExtractPatchFromFencedBlock(t *testing.T) {
	raw := "Fixed it.\n\n```diff\n--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new\n```\n"
	patch, ok := ExtractPatch(raw)
	if !ok {
		t.Fatal("expected patch to be extracted")
	}
	if patch == "" || patch[:6] != "--- a/" {
		t.Fatalf("unexpected patch content: %q", patch)
	}
}

func TestExtractPatchFromBareDiff(t *testing.T) {
	raw := "--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-old\n+new\n"
	patch, ok := ExtractPatch(raw)
	if !ok {
		t.Fatal("expected patch to be extracted")
	}
	if patch != raw {
		t.Fatalf("expected patch to equal input, got %q", patch)
	}
}

func TestExtractPatchNoneFound(t *testing.T) {
	if _, ok := ExtractPatch("just some regular text output"); ok {
		t.Fatal("expected no patch to be found")
	}
}
