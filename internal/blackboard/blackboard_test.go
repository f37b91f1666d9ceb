package blackboard

import (
	"strings"
	"testing"

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

func TestWriteThenBuild(t *testing.T) {
	s := mustOpen(t)
	if err := Write(s, "alpha", []string{"found a race in worker.go"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(s, "beta", []string{"no issues found"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	board, err := Build(s, []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(board.PerTrack) != 2 {
		t.Fatalf("expected 2 contributing tracks, got %d", len(board.PerTrack))
	}
	if !strings.Contains(board.Merged, "alpha") || !strings.Contains(board.Merged, "race in worker.go") {
		t.Fatalf("expected merged text to include alpha's observation, got: %s", board.Merged)
	}
	if _, ok := board.PerTrack["gamma"]; ok {
		t.Fatal("gamma never wrote, should not appear")
	}
}

func TestWriteOverwritesPreviousIteration(t *testing.T) {
	s := mustOpen(t)
	if err := Write(s, "alpha", []string{"iteration 1 finding"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(s, "alpha", []string{"iteration 2 finding"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	board, err := Build(s, []string{"alpha"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(board.Merged, "iteration 1 finding") {
		t.Fatal("expected stale observation to be overwritten")
	}
	if !strings.Contains(board.Merged, "iteration 2 finding") {
		t.Fatal("expected latest observation present")
	}
}

func TestBuildWithNoContributions(t *testing.T) {
	s := mustOpen(t)
	board, err := Build(s, []string{"alpha"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(board.PerTrack) != 0 {
		t.Fatalf("expected empty board, got %v", board.PerTrack)
	}
	if board.Merged != "" {
		t.Fatalf("expected empty merged text, got %q", board.Merged)
	}
}
