// Package worktree implements the Worktree Manager: per-track isolated git
// working trees rooted at worktrees/<run-id>/<track>/, branched off the
// repository under test.
//
// Grounded on the "vsavkov-kilroy" attractor engine's gitutil idiom
// (branch-per-run materialized via `git worktree`)
// and, for subprocess handling, the teacher's internal/dispatch exitcode
// idiom — but shells to git directly since the teacher itself has no
// worktree concept.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/anvilforge/anvil/internal/errtag"
)

// Manager provisions and tears down one worktree per track for a single run.
type Manager struct {
	RepoPath string
	RunRoot  string
	RunID    string
}

// NewManager constructs a Manager bound to a repository and run.
func NewManager(repoPath, runRoot, runID string) *Manager {
	return &Manager{RepoPath: repoPath, RunRoot: runRoot, RunID: runID}
}

// GetPath returns the worktree directory for a track, regardless of whether
// it has been provisioned yet.
func (m *Manager) GetPath(track string) string {
	return filepath.Join(m.RunRoot, "worktrees", m.RunID, track)
}

// BranchName returns the debug-mode branch name for a track.
func (m *Manager) BranchName(track string) string {
	return fmt.Sprintf("dbg/%s/%s", m.RunID, track)
}

// ArchiveBranchName returns the name used when archiving a track's work
// instead of discarding it.
func (m *Manager) ArchiveBranchName(track string, ts time.Time) string {
	return fmt.Sprintf("archive/anvil-%s-%s-%d", m.RunID, track, ts.Unix())
}

// CheckVersionControlled verifies RepoPath is inside a git working tree.
// Anvil refuses to provision worktrees against a non-git repository.
func (m *Manager) CheckVersionControlled(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "-C", m.RepoPath, "rev-parse", "--is-inside-work-tree")
	out, err := cmd.CombinedOutput()
	if err != nil || strings.TrimSpace(string(out)) != "true" {
		return fmt.Errorf("worktree: %s: %w", m.RepoPath, errtag.ErrRepoNotVersionControlled)
	}
	return nil
}

// Provision creates a new worktree and branch for track. If the worktree
// directory already exists (a conflicting leftover from a prior failed run),
// it is reported as ErrWorktreeConflict rather than silently removed.
func (m *Manager) Provision(ctx context.Context, track string) (string, error) {
	path := m.GetPath(track)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("worktree: %s: %w", path, errtag.ErrWorktreeConflict)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("worktree: stat %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("worktree: preparing parent for %s: %w", path, err)
	}

	branch := m.BranchName(track)
	cmd := exec.CommandContext(ctx, "git", "-C", m.RepoPath, "worktree", "add", "-b", branch, path)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("worktree: git worktree add %s: %s: %w", path, strings.TrimSpace(string(out)), errtag.ErrWorktreeFailure)
	}
	return path, nil
}

// ArchiveAndCleanup renames the track's branch to an archive name (so its
// commits survive worktree removal) and removes the worktree directory.
func (m *Manager) ArchiveAndCleanup(ctx context.Context, track string, ts time.Time) error {
	path := m.GetPath(track)
	branch := m.BranchName(track)
	archive := m.ArchiveBranchName(track, ts)

	renameCmd := exec.CommandContext(ctx, "git", "-C", m.RepoPath, "branch", "-m", branch, archive)
	if out, err := renameCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("worktree: archiving branch %s: %s: %w", branch, strings.TrimSpace(string(out)), errtag.ErrWorktreeFailure)
	}

	return m.remove(ctx, path)
}

// Cleanup removes a track's worktree without archiving its branch.
func (m *Manager) Cleanup(ctx context.Context, track string) error {
	return m.remove(ctx, m.GetPath(track))
}

func (m *Manager) remove(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", m.RepoPath, "worktree", "remove", "--force", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("worktree: removing %s: %s: %w", path, strings.TrimSpace(string(out)), errtag.ErrWorktreeFailure)
	}
	return nil
}

// maxConcurrentCleanups bounds how many `git worktree remove` subprocesses
// run at once, the way gh-aw's log downloader bounds concurrent fetches.
const maxConcurrentCleanups = 8

// CleanupAll tears down every worktree for this run's tracks concurrently,
// collecting (rather than stopping on) individual failures. Uses a
// conc pool instead of a raw WaitGroup so a panic inside one track's
// cleanup can't take down the others or leak a goroutine.
func (m *Manager) CleanupAll(ctx context.Context, tracks []string) error {
	p := pool.NewWithResults[error]().WithContext(ctx).WithMaxGoroutines(maxConcurrentCleanups)
	for _, t := range tracks {
		t := t
		p.Go(func(ctx context.Context) (error, error) {
			return m.Cleanup(ctx, t), nil
		})
	}
	results, _ := p.Wait()

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
