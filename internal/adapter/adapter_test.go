package adapter

import (
	"context"
	"strings"
	"testing"

	"github.com/anvilforge/anvil/internal/config"
)

func TestManualAdapterReturnsDeterministicEnvelope(t *testing.T) {
	a := New(config.ProviderManual, "", nil)
	out, err := a.RunIteration(context.Background(), Context{
		Track: "solo", Role: config.RoleDebugger, Iteration: 1, LogsDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("RunIteration: %v", err)
	}
	if !strings.Contains(out.RawText, "NEEDS_MORE_WORK") {
		t.Fatalf("expected NEEDS_MORE_WORK status in manual envelope, got %s", out.RawText)
	}
}

func TestErrorAdapterSynthesizedForUnknownProvider(t *testing.T) {
	a := New(config.Provider("not-registered"), "", nil)
	if _, ok := a.(*errorAdapter); !ok {
		t.Fatalf("expected errorAdapter, got %T", a)
	}
}

func TestBuildPromptFixerRequiresPatchLanguage(t *testing.T) {
	prompt := BuildPrompt(Context{Track: "alpha", Role: config.RoleFixer, Iteration: 1, IssueText: "bug here"})
	if !strings.Contains(prompt, "unified diff patch") {
		t.Fatalf("expected fixer prompt to ask for a patch, got: %s", prompt)
	}
	if !strings.Contains(prompt, "bug here") {
		t.Fatal("expected issue text embedded in prompt")
	}
}

func TestBuildPromptBreakerAllowsFindingsWithoutPatch(t *testing.T) {
	prompt := BuildPrompt(Context{Track: "beta", Role: config.RoleBreaker, Iteration: 1})
	if !strings.Contains(prompt, "Disclose findings") {
		t.Fatalf("expected breaker prompt to accept disclosed findings, got: %s", prompt)
	}
}

func TestExtractEnvelopeBlockPrefersFencedJSON(t *testing.T) {
	text := "some prose\n```json\n{\"hypothesis\":\"h\",\"confidence\":0.5,\"status_signal\":\"DONE\"}\n```\nmore prose"
	block, ok := extractEnvelopeBlock(text)
	if !ok {
		t.Fatal("expected fenced json block to be found")
	}
	if !strings.HasPrefix(block, "{") {
		t.Fatalf("unexpected block: %s", block)
	}
}

func TestShellQuoteHandlesSpecialChars(t *testing.T) {
	q := shellQuote("it's a test")
	if !strings.HasPrefix(q, "'") {
		t.Fatalf("expected quoted string, got %s", q)
	}
}
