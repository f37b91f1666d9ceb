package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/errtag"
	"github.com/anvilforge/anvil/internal/session"
	"github.com/anvilforge/anvil/internal/ux"
	"github.com/anvilforge/anvil/internal/worktree"
)

func main() {
	app := &cli.Command{
		Name:        "anvil",
		Usage:       "Concurrent agent-orchestration harness",
		Description: "Runs N agent tracks against an issue, validates their output, verifies patches, and picks a winner.",
		Commands: []*cli.Command{
			debugCmd(),
			hardenCmd(),
			cleanupCmd(),
		},
	}

	// An operator interrupt (Ctrl-C or a sent SIGTERM) cancels this context;
	// running subprocesses are signalled through the same chain the Command
	// Runner already uses for per-iteration timeouts.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func debugCmd() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "Debug mode: fan out fixer/breaker tracks against an issue",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Start a new debug run",
				ArgsUsage: "<repo-path> <tracks-file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run-id", Required: true},
					&cli.StringFlag{Name: "run-root", Required: true},
					&cli.StringFlag{Name: "issue"},
					&cli.BoolFlag{Name: "auto-apply"},
					&cli.BoolFlag{Name: "container"},
					&cli.StringFlag{Name: "verify-contract"},
				},
				Action: runDebug,
			},
			{
				Name:      "resume",
				Usage:     "Resume an interrupted debug run from its persisted RUN.json",
				ArgsUsage: "<run id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run-root", Required: true},
					&cli.BoolFlag{Name: "auto-apply"},
					&cli.BoolFlag{Name: "container"},
				},
				Action: runDebugResume,
			},
		},
	}
}

func hardenCmd() *cli.Command {
	return &cli.Command{
		Name:  "harden",
		Usage: "Harden mode: fan out breaker tracks and rank findings",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Start a new harden run",
				ArgsUsage: "<repo-path> <tracks-file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run-id", Required: true},
					&cli.StringFlag{Name: "run-root", Required: true},
					&cli.BoolFlag{Name: "container"},
					&cli.StringFlag{Name: "verify-contract"},
				},
				Action: runHarden,
			},
		},
	}
}

func cleanupCmd() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Tear down worktrees left over from prior runs",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Clean up a specific run's worktrees",
				ArgsUsage: "<repo-path> <run-root> <run-id>",
				Action:    cleanupRun,
			},
			{
				Name:      "list",
				Usage:     "List runs with worktrees still on disk under a runs root",
				ArgsUsage: "<runs-root>",
				Action:    cleanupList,
			},
			{
				Name:      "stale",
				Usage:     "Clean up worktrees of runs whose run directory is older than a threshold",
				ArgsUsage: "<repo-path> <runs-root>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "older-than", Usage: "age in days", Required: true},
				},
				Action: cleanupStale,
			},
			{
				Name:      "all",
				Usage:     "Clean up every run's worktrees under a runs root",
				ArgsUsage: "<repo-path> <runs-root>",
				Action:    cleanupAllRuns,
			},
		},
	}
}

// runEntry is one run directory discovered under a runs root: a run-root
// (the per-run artifact directory, e.g. <runs-root>/<run-id>) whose
// worktrees/<run-id> subtree may still hold provisioned worktrees.
type runEntry struct {
	RunID   string
	RunRoot string
	ModTime time.Time
}

// discoverRuns lists the immediate subdirectories of runsRoot, treating each
// as one run's own run-root (matching the `cleanup run <repo> <run-root>
// <run-id>` convention: a run-root's directory name is the run id).
func discoverRuns(runsRoot string) ([]runEntry, error) {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	runs := make([]runEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, runEntry{
			RunID:   e.Name(),
			RunRoot: fmt.Sprintf("%s/%s", runsRoot, e.Name()),
			ModTime: info.ModTime(),
		})
	}
	return runs, nil
}

// worktreeTrackNames lists the track worktrees still provisioned for a run,
// reading <runRoot>/worktrees/<runID>/<track>.
func worktreeTrackNames(runRoot, runID string) ([]string, error) {
	worktreesDir := fmt.Sprintf("%s/worktrees/%s", runRoot, runID)
	entries, err := os.ReadDir(worktreesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func buildSessionConfig(ctx context.Context, cmd *cli.Command, mode config.Mode) (config.SessionConfig, error) {
	repoPath := cmd.Args().Get(0)
	tracksPath := cmd.Args().Get(1)
	if repoPath == "" || tracksPath == "" {
		return config.SessionConfig{}, fmt.Errorf("repo path and tracks file are required: %w", errtag.ErrInputValidation)
	}

	tf, err := config.LoadTracks(tracksPath)
	if err != nil {
		return config.SessionConfig{}, fmt.Errorf("%w: %w", errtag.ErrInputValidation, err)
	}
	if err := config.ValidateTracks(tf); err != nil {
		return config.SessionConfig{}, fmt.Errorf("%w: %w", errtag.ErrInputValidation, err)
	}

	sc := config.SessionConfig{
		RunID:              cmd.String("run-id"),
		RunRoot:            cmd.String("run-root"),
		RepoPath:           repoPath,
		Mode:               mode,
		Issue:              cmd.String("issue"),
		AutoApply:          cmd.Bool("auto-apply"),
		ContainerIsolation: cmd.Bool("container"),
		VerifyContractPath: cmd.String("verify-contract"),
		Tracks:             tf.Tracks,
	}
	if err := sc.Validate(); err != nil {
		return config.SessionConfig{}, fmt.Errorf("%w: %w", errtag.ErrInputValidation, err)
	}
	return sc, nil
}

// resumeSessionConfig reconstructs a SessionConfig for `debug resume` from a
// prior run's persisted RUN.json — only the run id and run root are taken
// from the caller; repo path, issue text, and tracks configuration are
// recovered from metadata, per spec.md §4.7.
func resumeSessionConfig(cmd *cli.Command) (config.SessionConfig, error) {
	runID := cmd.Args().Get(0)
	runRoot := cmd.String("run-root")
	if runID == "" || runRoot == "" {
		return config.SessionConfig{}, fmt.Errorf("run id and --run-root are required: %w", errtag.ErrInputValidation)
	}

	meta, err := session.LoadMetadata(runRoot)
	if err != nil {
		return config.SessionConfig{}, fmt.Errorf("%w: %w", errtag.ErrInputValidation, err)
	}
	if meta.RunID != runID {
		return config.SessionConfig{}, fmt.Errorf("run root %s holds metadata for run %q, not %q: %w",
			runRoot, meta.RunID, runID, errtag.ErrInputValidation)
	}

	sc := config.SessionConfig{
		RunID:              meta.RunID,
		RunRoot:            runRoot,
		RepoPath:           meta.RepoPath,
		Mode:               config.ModeDebug,
		Issue:              meta.Issue,
		Resume:             true,
		AutoApply:          cmd.Bool("auto-apply"),
		ContainerIsolation: cmd.Bool("container"),
		VerifyContractPath: meta.VerifyContractPath,
		Tracks:             meta.Tracks,
	}
	if err := sc.Validate(); err != nil {
		return config.SessionConfig{}, fmt.Errorf("%w: %w", errtag.ErrInputValidation, err)
	}
	return sc, nil
}

func runDebug(ctx context.Context, cmd *cli.Command) error {
	sc, err := buildSessionConfig(ctx, cmd, config.ModeDebug)
	if err != nil {
		return err
	}

	ux.SessionHeader(sc.RunID, string(sc.Mode), len(sc.Tracks))

	d, err := session.New(sc)
	if err != nil {
		return err
	}

	status, err := d.RunDebug(ctx)
	if err != nil {
		ux.Failure(sc.RunRoot, err.Error())
		ux.ResumeHint(sc.RunID)
		return err
	}
	if status.State == "FAIL" {
		ux.Failure(sc.RunRoot, status.Reason)
		ux.ResumeHint(sc.RunID)
		return fmt.Errorf("run failed: %s", status.Reason)
	}
	return nil
}

// runDebugResume continues a previously-started debug run: unlike runDebug
// it takes only a run id (plus --run-root to locate it) and recovers the
// repo path, issue text, and tracks configuration from RUN.json.
func runDebugResume(ctx context.Context, cmd *cli.Command) error {
	sc, err := resumeSessionConfig(cmd)
	if err != nil {
		return err
	}

	ux.SessionHeader(sc.RunID, string(sc.Mode), len(sc.Tracks))

	d, err := session.New(sc)
	if err != nil {
		return err
	}

	status, err := d.RunDebug(ctx)
	if err != nil {
		ux.Failure(sc.RunRoot, err.Error())
		return err
	}
	if status.State == "FAIL" {
		ux.Failure(sc.RunRoot, status.Reason)
		return fmt.Errorf("run failed: %s", status.Reason)
	}
	return nil
}

func runHarden(ctx context.Context, cmd *cli.Command) error {
	sc, err := buildSessionConfig(ctx, cmd, config.ModeHarden)
	if err != nil {
		return err
	}

	ux.SessionHeader(sc.RunID, string(sc.Mode), len(sc.Tracks))

	d, err := session.New(sc)
	if err != nil {
		return err
	}

	status, err := d.RunHarden(ctx)
	if err != nil {
		ux.Failure(sc.RunRoot, err.Error())
		return err
	}
	if status.State == "FAIL" {
		ux.Failure(sc.RunRoot, status.Reason)
		return fmt.Errorf("run failed: %s", status.Reason)
	}
	return nil
}

func cleanupRun(ctx context.Context, cmd *cli.Command) error {
	repoPath := cmd.Args().Get(0)
	runRoot := cmd.Args().Get(1)
	runID := cmd.Args().Get(2)
	if repoPath == "" || runRoot == "" || runID == "" {
		return fmt.Errorf("repo path, run root, and run id are required: %w", errtag.ErrInputValidation)
	}

	names, err := worktreeTrackNames(runRoot, runID)
	if err != nil {
		return err
	}
	wm := worktree.NewManager(repoPath, runRoot, runID)
	return wm.CleanupAll(ctx, names)
}

// cleanupList prints every run under runsRoot that still has worktrees on
// disk, per spec.md §6's `cleanup list`.
func cleanupList(ctx context.Context, cmd *cli.Command) error {
	runsRoot := cmd.Args().Get(0)
	if runsRoot == "" {
		return fmt.Errorf("runs root is required: %w", errtag.ErrInputValidation)
	}
	runs, err := discoverRuns(runsRoot)
	if err != nil {
		return err
	}
	for _, r := range runs {
		names, err := worktreeTrackNames(r.RunRoot, r.RunID)
		if err != nil || len(names) == 0 {
			continue
		}
		fmt.Printf("%s\t%d worktree(s)\t%s\n", r.RunID, len(names), r.ModTime.Format(time.RFC3339))
	}
	return nil
}

// cleanupStale removes worktrees for every run under runsRoot whose
// run-root directory is older than --older-than days.
func cleanupStale(ctx context.Context, cmd *cli.Command) error {
	repoPath := cmd.Args().Get(0)
	runsRoot := cmd.Args().Get(1)
	if repoPath == "" || runsRoot == "" {
		return fmt.Errorf("repo path and runs root are required: %w", errtag.ErrInputValidation)
	}
	threshold := time.Duration(cmd.Int("older-than")) * 24 * time.Hour
	cutoff := time.Now().Add(-threshold)

	runs, err := discoverRuns(runsRoot)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if r.ModTime.After(cutoff) {
			continue
		}
		names, err := worktreeTrackNames(r.RunRoot, r.RunID)
		if err != nil || len(names) == 0 {
			continue
		}
		wm := worktree.NewManager(repoPath, r.RunRoot, r.RunID)
		if err := wm.CleanupAll(ctx, names); err != nil {
			return err
		}
	}
	return nil
}

// cleanupAllRuns removes worktrees for every run under runsRoot, regardless
// of age.
func cleanupAllRuns(ctx context.Context, cmd *cli.Command) error {
	repoPath := cmd.Args().Get(0)
	runsRoot := cmd.Args().Get(1)
	if repoPath == "" || runsRoot == "" {
		return fmt.Errorf("repo path and runs root are required: %w", errtag.ErrInputValidation)
	}

	runs, err := discoverRuns(runsRoot)
	if err != nil {
		return err
	}
	for _, r := range runs {
		names, err := worktreeTrackNames(r.RunRoot, r.RunID)
		if err != nil || len(names) == 0 {
			continue
		}
		wm := worktree.NewManager(repoPath, r.RunRoot, r.RunID)
		if err := wm.CleanupAll(ctx, names); err != nil {
			return err
		}
	}
	return nil
}

// exitCodeFor maps a top-level error to the exit code taxonomy in spec.md
// §6: 0 success (handled by app.Run returning nil, so only nonzero paths
// reach here), 1 input validation, 2 schema drift, 3 environment
// precondition (e.g. the repo isn't version controlled), nonzero other for
// anything else. Dispatch runs through errors.Is against the errtag
// sentinels every failing layer wraps its error with.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errtag.ErrSchemaDrift):
		return 2
	case errors.Is(err, errtag.ErrRepoNotVersionControlled):
		return 3
	case errors.Is(err, errtag.ErrInputValidation):
		return 1
	default:
		return 1
	}
}
