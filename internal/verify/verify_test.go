package verify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/store"
)

func mustOpen(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return s
}

func TestRunAllRequiredPass(t *testing.T) {
	s := mustOpen(t)
	contract := &config.VerifyContract{Commands: []config.VerifyCommand{
		{Name: "unit", Cmd: "echo '5 passed, 0 failed'", Required: true, TimeoutS: 5},
	}}
	res, err := Run(context.Background(), s, "tracks/alpha/iter_01", t.TempDir(), contract, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Pass {
		t.Fatal("expected PASS")
	}
	md, err := s.Read("tracks/alpha/iter_01/VERIFY.md")
	if err != nil {
		t.Fatalf("reading VERIFY.md: %v", err)
	}
	if !strings.HasPrefix(string(md), "PASS") {
		t.Fatalf("expected VERIFY.md to start with PASS, got: %s", md)
	}
}

func TestRunRequiredFailureFails(t *testing.T) {
	s := mustOpen(t)
	contract := &config.VerifyContract{Commands: []config.VerifyCommand{
		{Name: "unit", Cmd: "echo 'tests ran'; exit 1", Required: true, TimeoutS: 5},
	}}
	res, err := Run(context.Background(), s, "tracks/alpha/iter_01", t.TempDir(), contract, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Pass {
		t.Fatal("expected FAIL")
	}
	md, err := s.Read("tracks/alpha/iter_01/VERIFY.md")
	if err != nil {
		t.Fatalf("reading VERIFY.md: %v", err)
	}
	if !strings.HasPrefix(string(md), "FAIL") {
		t.Fatalf("expected VERIFY.md to start with FAIL, got: %s", md)
	}
}

func TestRunNoTestsCollectedIsFail(t *testing.T) {
	s := mustOpen(t)
	contract := &config.VerifyContract{Commands: []config.VerifyCommand{
		{Name: "unit", Cmd: "echo 'collected 0 items'", Required: true, TimeoutS: 5},
	}}
	res, err := Run(context.Background(), s, "tracks/alpha/iter_01", t.TempDir(), contract, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Pass {
		t.Fatal("expected FAIL when no tests were actually collected")
	}
}

func TestRunNonRequiredFailureDoesNotFailOverall(t *testing.T) {
	s := mustOpen(t)
	contract := &config.VerifyContract{Commands: []config.VerifyCommand{
		{Name: "unit", Cmd: "echo '5 passed'", Required: true, TimeoutS: 5},
		{Name: "lint", Cmd: "exit 1", Required: false, TimeoutS: 5},
	}}
	res, err := Run(context.Background(), s, "tracks/alpha/iter_01", t.TempDir(), contract, 5*time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Pass {
		t.Fatal("expected PASS despite non-required lint failure")
	}
	if len(res.Commands) != 2 {
		t.Fatalf("expected 2 command records, got %d", len(res.Commands))
	}
}
