package track

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/anvilforge/anvil/internal/adapter"
	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/store"
	"github.com/anvilforge/anvil/internal/worktree"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "anvil@example.com")
	run("config", "user.name", "anvil")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "init")
	return dir
}

func TestRunManualSingleTrackDebug(t *testing.T) {
	repo := initRepo(t)
	runRoot := t.TempDir()
	s, err := store.Open(runRoot)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	wm := worktree.NewManager(repo, runRoot, "run-1")
	a := adapter.New(config.ProviderManual, "", nil)

	cfg := config.TrackConfig{
		Name: "solo", Role: config.RoleDebugger, Provider: config.ProviderManual,
		Budget: config.Budget{MaxIters: 1, PerIterTimeoutS: 30},
	}

	out := Run(context.Background(), s, wm, a, Inputs{
		Cfg: cfg, RunID: "run-1", IssueText: "fix typo in README", AllTracks: []string{"solo"},
	})

	if out.Disqualified {
		t.Fatalf("expected manual track not disqualified, reason=%s", out.DisqualifyReason)
	}
	if out.HasPatch {
		t.Fatal("expected manual track to produce no patch")
	}
	if !s.Exists("tracks/solo/iter_01/ITERATION.json") {
		t.Fatal("expected ITERATION.json to be written")
	}
	if !s.Exists("tracks/solo/iter_01/ITERATION.txt") {
		t.Fatal("expected ITERATION.txt to be written")
	}
}

func TestRunFixerDisqualifiedWithoutPatch(t *testing.T) {
	repo := initRepo(t)
	runRoot := t.TempDir()
	s, err := store.Open(runRoot)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	wm := worktree.NewManager(repo, runRoot, "run-2")
	a := adapter.New(config.ProviderManual, "", nil)

	cfg := config.TrackConfig{
		Name: "fx", Role: config.RoleFixer, Provider: config.ProviderManual,
		Budget: config.Budget{MaxIters: 1, PerIterTimeoutS: 30},
	}

	out := Run(context.Background(), s, wm, a, Inputs{
		Cfg: cfg, RunID: "run-2", AllTracks: []string{"fx"},
	})

	if !out.Disqualified {
		t.Fatal("expected fixer with no patch to be disqualified")
	}
}

func TestRunWorktreeFailureDisqualifies(t *testing.T) {
	// RepoPath is not a git repo at all, so Provision fails immediately.
	runRoot := t.TempDir()
	s, err := store.Open(runRoot)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	wm := worktree.NewManager(t.TempDir(), runRoot, "run-3")
	a := adapter.New(config.ProviderManual, "", nil)

	cfg := config.TrackConfig{
		Name: "solo", Role: config.RoleDebugger, Provider: config.ProviderManual,
		Budget: config.Budget{MaxIters: 1, PerIterTimeoutS: 30},
	}

	out := Run(context.Background(), s, wm, a, Inputs{Cfg: cfg, RunID: "run-3", AllTracks: []string{"solo"}})
	if !out.Disqualified {
		t.Fatal("expected disqualification on worktree provisioning failure")
	}
}

func TestRunResumeSkipsValidatedIteration(t *testing.T) {
	repo := initRepo(t)
	runRoot := t.TempDir()
	s, err := store.Open(runRoot)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	wm := worktree.NewManager(repo, runRoot, "run-4")

	// Pre-seed iter_01 as already validated with DONE, so a two-iteration
	// budget run should stop immediately without invoking the adapter again.
	if err := s.Write("tracks/solo/iter_01/ITERATION.json", []byte(`{"hypothesis":"h","confidence":0.9,"status_signal":"DONE"}`)); err != nil {
		t.Fatalf("seeding iteration: %v", err)
	}

	a := adapter.New(config.ProviderManual, "", nil)
	cfg := config.TrackConfig{
		Name: "solo", Role: config.RoleDebugger, Provider: config.ProviderManual,
		Budget: config.Budget{MaxIters: 2, PerIterTimeoutS: 30},
	}

	out := Run(context.Background(), s, wm, a, Inputs{Cfg: cfg, RunID: "run-4", AllTracks: []string{"solo"}})
	if out.Disqualified {
		t.Fatalf("unexpected disqualification: %s", out.DisqualifyReason)
	}
	if out.LatestConfidence != 0.9 {
		t.Fatalf("expected resumed confidence 0.9, got %v", out.LatestConfidence)
	}
	if s.Exists("tracks/solo/iter_02/ITERATION.json") {
		t.Fatal("expected loop to stop at the resumed DONE iteration without running iter_02")
	}
}
