// Package session implements the Session Driver: debug and harden mode
// orchestration across N concurrently-running Track Runners, fan-in to the
// Judge, and (debug mode) applying the winning patch.
//
// The concurrent fan-out is grounded on the Raven review orchestrator's
// errgroup.WithContext pattern (internal/review/orchestrator.go), with no
// concurrency limit set:
// per-track errors never abort the group, they're captured and converted to
// disqualifications, and the driver waits for every track before fanning in.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/anvilforge/anvil/internal/adapter"
	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/errtag"
	"github.com/anvilforge/anvil/internal/judge"
	"github.com/anvilforge/anvil/internal/obslog"
	"github.com/anvilforge/anvil/internal/runstatus"
	"github.com/anvilforge/anvil/internal/store"
	"github.com/anvilforge/anvil/internal/track"
	"github.com/anvilforge/anvil/internal/ux"
	"github.com/anvilforge/anvil/internal/worktree"
)

// Metadata is the content of RUN.json: immutable facts about a run plus the
// configuration digest. debug resume reconstructs a SessionConfig from this
// file alone, so it carries the full track configuration rather than just
// track names.
type Metadata struct {
	RunID              string              `json:"run_id"`
	Mode               string              `json:"mode"`
	RepoPath           string              `json:"repo_path"`
	Issue              string              `json:"issue,omitempty"`
	VerifyContractPath string              `json:"verify_contract_path,omitempty"`
	Tracks             []config.TrackConfig `json:"tracks"`
	ConfigDigest       string              `json:"config_digest"`
	StartedAt          time.Time           `json:"started_at"`
}

// LoadMetadata reads a prior run's RUN.json, used by `anvil debug resume` to
// recover the repo path, tracks configuration, and issue text that the
// original `debug run` invocation supplied.
func LoadMetadata(runRoot string) (*Metadata, error) {
	s, err := store.Open(runRoot)
	if err != nil {
		return nil, err
	}
	if !s.Exists("RUN.json") {
		return nil, fmt.Errorf("session: no RUN.json found under %s", runRoot)
	}
	data, err := s.Read("RUN.json")
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("session: parsing RUN.json: %w", err)
	}
	return &meta, nil
}

// Status is an alias for the run-status type persisted by runstatus, kept
// under this package's name since it's the public surface callers see from
// Driver.RunDebug/RunHarden.
type Status = runstatus.Status

// Driver runs a whole session: context/repro collaborators, track fan-out,
// blackboard refresh, fan-in to the Judge, and apply/report.
type Driver struct {
	Cfg   config.SessionConfig
	Store *store.Store
	WM    *worktree.Manager
	Log   *obslog.Logger
}

// New constructs a Driver, opening the Artifact Store at cfg.RunRoot.
func New(cfg config.SessionConfig) (*Driver, error) {
	s, err := store.Open(cfg.RunRoot)
	if err != nil {
		return nil, err
	}
	wm := worktree.NewManager(cfg.RepoPath, cfg.RunRoot, cfg.RunID)
	return &Driver{Cfg: cfg, Store: s, WM: wm, Log: obslog.New()}, nil
}

// configDigest hashes the track configuration into a 16-hex-digit string,
// so RUN.json can record whether a resumed run's tracks file has drifted.
func configDigest(tracks []config.TrackConfig) string {
	var b strings.Builder
	for _, t := range tracks {
		fmt.Fprintf(&b, "%s|%s|%s|%s|%d|%d\n", t.Name, t.Role, t.Provider, t.Model, t.Budget.MaxIters, t.Budget.PerIterTimeoutS)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

func trackNames(tracks []config.TrackConfig) []string {
	names := make([]string, len(tracks))
	for i, t := range tracks {
		names[i] = t.Name
	}
	return names
}

// RunDebug executes the debug mode sequence: build context → reproduction
// plan → fan out tracks → Judge → optional apply.
func (d *Driver) RunDebug(ctx context.Context) (status Status, err error) {
	defer d.captureCrash(&status)
	log := d.Log.WithRun(d.Cfg.RunID)

	if err := d.WM.CheckVersionControlled(ctx); err != nil {
		log.Error("repository precondition failed", "err", err)
		return Status{State: "FAIL", Reason: err.Error()}, err
	}

	names := trackNames(d.Cfg.Tracks)
	if err := d.writeMetadata("debug"); err != nil {
		return Status{State: "FAIL", Reason: err.Error()}, err
	}
	running := Status{State: runstatus.StateRunning}
	_ = running.Save(d.Store)
	log.Info("debug run starting", "tracks", names, "resume", d.Cfg.Resume)

	contextMD := buildContextSummary(d.Cfg.RepoPath)
	_ = d.Store.Write("CONTEXT.md", []byte(contextMD))

	repro := buildReproPlan(d.Cfg.Issue)
	_ = d.Store.Write("REPRO.md", []byte(repro))

	var verifyContract *config.VerifyContract
	if d.Cfg.VerifyContractPath != "" {
		vc, vErr := config.LoadVerifyContract(d.Cfg.VerifyContractPath)
		if vErr == nil {
			verifyContract = vc
		}
	}

	timing, _ := runstatus.LoadTiming(d.Store)
	outcomes := d.fanOut(ctx, contextMD, repro, verifyContract, names, timing, log)
	_ = timing.Flush(d.Store)

	board, _ := d.buildBoardMarkdown(names)
	_ = d.Store.Write("BLACKBOARD.md", []byte(board))

	if interrupted, fail := d.checkInterrupted(ctx); interrupted {
		log.Warn("operator interrupt: skipping judge and apply")
		return fail, fmt.Errorf("session: %s: %w", fail.Reason, errtag.ErrOperatorInterrupt)
	}

	sc := judge.Compute(toJudgeInputs(outcomes))
	if err := judge.Write(d.Store, ".", sc); err != nil {
		return Status{State: "FAIL", Reason: err.Error()}, err
	}
	ux.Decision(sc.Winner)

	if fail, failErr := d.checkAllSchemaDrift(outcomes); failErr != nil {
		log.Error("every track disqualified with schema drift")
		return fail, failErr
	}

	if d.Cfg.AutoApply && sc.Winner != "" {
		if err := d.apply(ctx, sc.Winner); err != nil {
			log.Error("apply failed", "winner", sc.Winner, "err", err)
		}
	}

	ok := Status{State: runstatus.StateOK}
	_ = ok.Save(d.Store)
	log.Info("debug run complete", "winner", sc.Winner)
	return ok, nil
}

// RunHarden executes the harden mode sequence: fan out with breaker-role
// defaults → Judge produces a ranked finding list → write HARDEN.md. No
// apply step runs in this mode.
func (d *Driver) RunHarden(ctx context.Context) (status Status, err error) {
	defer d.captureCrash(&status)
	log := d.Log.WithRun(d.Cfg.RunID)

	if err := d.WM.CheckVersionControlled(ctx); err != nil {
		log.Error("repository precondition failed", "err", err)
		return Status{State: "FAIL", Reason: err.Error()}, err
	}

	names := trackNames(d.Cfg.Tracks)
	if err := d.writeMetadata("harden"); err != nil {
		return Status{State: "FAIL", Reason: err.Error()}, err
	}
	running := Status{State: runstatus.StateRunning}
	_ = running.Save(d.Store)
	log.Info("harden run starting", "tracks", names)

	contextMD := buildContextSummary(d.Cfg.RepoPath)
	_ = d.Store.Write("CONTEXT.md", []byte(contextMD))

	var verifyContract *config.VerifyContract
	if d.Cfg.VerifyContractPath != "" {
		vc, vErr := config.LoadVerifyContract(d.Cfg.VerifyContractPath)
		if vErr == nil {
			verifyContract = vc
		}
	}

	timing, _ := runstatus.LoadTiming(d.Store)
	outcomes := d.fanOut(ctx, contextMD, "", verifyContract, names, timing, log)
	_ = timing.Flush(d.Store)

	board, _ := d.buildBoardMarkdown(names)
	_ = d.Store.Write("BLACKBOARD.md", []byte(board))

	if interrupted, fail := d.checkInterrupted(ctx); interrupted {
		log.Warn("operator interrupt: skipping judge")
		return fail, fmt.Errorf("session: %s: %w", fail.Reason, errtag.ErrOperatorInterrupt)
	}

	sc := judge.Compute(toJudgeInputs(outcomes))
	if err := judge.WriteHarden(d.Store, ".", sc); err != nil {
		return Status{State: "FAIL", Reason: err.Error()}, err
	}
	ux.Decision(sc.Winner)

	ok := Status{State: runstatus.StateOK}
	_ = ok.Save(d.Store)
	log.Info("harden run complete")
	return ok, nil
}

// checkInterrupted reports whether ctx was cancelled (operator interrupt or
// a session-level timeout) and, if so, the FAIL status already saved to
// disk for it.
func (d *Driver) checkInterrupted(ctx context.Context) (bool, Status) {
	if ctx.Err() == nil {
		return false, Status{}
	}
	fail := Status{State: runstatus.StateFail, Reason: "operator interrupt: run cancelled before completion"}
	_ = fail.Save(d.Store)
	return true, fail
}

// checkAllSchemaDrift reports a session-level failure when every configured
// track was disqualified with SchemaDrift — the run produced nothing usable
// because no agent emitted a conforming iteration envelope.
func (d *Driver) checkAllSchemaDrift(outcomes []track.Outcome) (Status, error) {
	if len(outcomes) == 0 || !allDisqualifiedWithReason(outcomes, errtag.ReasonSchemaDrift) {
		return Status{}, nil
	}
	reason := "every track disqualified with SchemaDrift"
	fail := Status{State: runstatus.StateFail, Reason: reason}
	_ = fail.Save(d.Store)
	return fail, fmt.Errorf("session: %s: %w", reason, errtag.ErrSchemaDrift)
}

func allDisqualifiedWithReason(outcomes []track.Outcome, reason errtag.Reason) bool {
	for _, o := range outcomes {
		if !o.Disqualified || o.DisqualifyReason != reason {
			return false
		}
	}
	return true
}

// fanOut runs every configured track concurrently. Per the errgroup pattern,
// each goroutine always returns nil: track-level failures are captured as
// Outcome.Disqualified rather than aborting the group, so one crashing
// track never cancels the others.
func (d *Driver) fanOut(ctx context.Context, contextSummary, repro string, vc *config.VerifyContract, names []string, timing *runstatus.Timing, log *obslog.Logger) []track.Outcome {
	g, gctx := errgroup.WithContext(ctx)

	outcomes := make([]track.Outcome, len(d.Cfg.Tracks))
	var mu sync.Mutex

	for i, tc := range d.Cfg.Tracks {
		i, tc := i, tc
		g.Go(func() error {
			a := adapter.New(tc.Provider, tc.Model, tc.ProviderOptions)
			in := track.Inputs{
				Cfg:               tc,
				RunID:             d.Cfg.RunID,
				IssueText:         d.Cfg.Issue,
				ContextSummary:    contextSummary,
				ReproPlan:         repro,
				Directives:        tc.Directives,
				ContainerImage:    containerImageFor(d.Cfg),
				VerifyContract:    vc,
				VerifyOnlyIfPatch: true,
				AllTracks:         names,
				Timing:            timing,
				Log:               log,
			}
			out := track.Run(gctx, d.Store, d.WM, a, in)
			mu.Lock()
			outcomes[i] = out
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return outcomes
}

func containerImageFor(cfg config.SessionConfig) string {
	if !cfg.ContainerIsolation {
		return ""
	}
	return "golang:1.22"
}

func toJudgeInputs(outcomes []track.Outcome) []judge.TrackInput {
	inputs := make([]judge.TrackInput, len(outcomes))
	for i, o := range outcomes {
		inputs[i] = judge.TrackInput{
			Name:             o.Name,
			Role:             o.Role,
			Disqualified:     o.Disqualified,
			DisqualifyReason: string(o.DisqualifyReason),
			LatestConfidence: o.LatestConfidence,
			HasPatch:         o.HasPatch,
			VerifyToken:      o.VerifyToken,
			ProvisionedAt:    o.ProvisionedAt,
		}
	}
	return inputs
}

// apply applies the winning track's latest patch to the main repository via
// a pre-flight dry-run followed by the real apply, writing APPLY.md.
func (d *Driver) apply(ctx context.Context, winner string) error {
	patchPath, ok := d.latestPatchPath(winner)
	if !ok {
		_ = d.Store.Write("APPLY.md", []byte(fmt.Sprintf("winner %s produced no PATCH.diff; nothing applied\n", winner)))
		return nil
	}

	dryRun := exec.CommandContext(ctx, "git", "-C", d.Cfg.RepoPath, "apply", "--check", patchPath)
	if out, err := dryRun.CombinedOutput(); err != nil {
		msg := fmt.Sprintf("pre-flight dry-run failed for %s:\n%s\n", winner, out)
		_ = d.Store.Write("APPLY.md", []byte(msg))
		return fmt.Errorf("session: apply dry-run: %w", err)
	}

	realApply := exec.CommandContext(ctx, "git", "-C", d.Cfg.RepoPath, "apply", patchPath)
	out, err := realApply.CombinedOutput()
	if err != nil {
		msg := fmt.Sprintf("apply failed for %s:\n%s\n", winner, out)
		_ = d.Store.Write("APPLY.md", []byte(msg))
		return fmt.Errorf("session: apply: %w", err)
	}

	_ = d.Store.Write("APPLY.md", []byte(fmt.Sprintf("applied winning patch from %s\n", winner)))
	return nil
}

// latestPatchPath finds the highest-numbered iteration directory for track
// that contains a PATCH.diff, returning its absolute path.
func (d *Driver) latestPatchPath(trackName string) (string, bool) {
	entries, err := d.Store.List("tracks/" + trackName)
	if err != nil {
		return "", false
	}
	sort.Sort(sort.Reverse(sort.StringSlice(entries)))
	for _, e := range entries {
		rel := filepath.Join("tracks", trackName, e, "PATCH.diff")
		if d.Store.Exists(rel) {
			abs, err := d.Store.Path(rel)
			if err != nil {
				return "", false
			}
			return abs, true
		}
	}
	return "", false
}

func (d *Driver) buildBoardMarkdown(names []string) (string, error) {
	var b strings.Builder
	b.WriteString("# Blackboard\n\n")
	for _, n := range names {
		path := "blackboard/from-" + n + ".md"
		if !d.Store.Exists(path) {
			continue
		}
		data, err := d.Store.Read(path)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", n, data)
	}
	return b.String(), nil
}

// writeMetadata persists RUN.json. On resume it preserves the original
// StartedAt from the prior run's metadata rather than resetting the clock.
func (d *Driver) writeMetadata(mode string) error {
	startedAt := time.Now()
	if d.Cfg.Resume {
		if existing, err := LoadMetadata(d.Cfg.RunRoot); err == nil {
			startedAt = existing.StartedAt
		}
	}
	meta := Metadata{
		RunID:              d.Cfg.RunID,
		Mode:               mode,
		RepoPath:           d.Cfg.RepoPath,
		Issue:              d.Cfg.Issue,
		VerifyContractPath: d.Cfg.VerifyContractPath,
		Tracks:             d.Cfg.Tracks,
		ConfigDigest:       configDigest(d.Cfg.Tracks),
		StartedAt:          startedAt,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshaling metadata: %w", err)
	}
	return d.Store.Write("RUN.json", data)
}

// captureCrash converts a panic escaping RunDebug/RunHarden into CRASH.txt
// and a FAIL status, per the session-level crash containment contract.
func (d *Driver) captureCrash(status *Status) {
	if r := recover(); r != nil {
		trace := fmt.Sprintf("panic: %v", r)
		_ = d.Store.Write("CRASH.txt", []byte(trace))
		fail := Status{State: runstatus.StateFail, Reason: trace}
		_ = fail.Save(d.Store)
		*status = fail
	}
}

// buildContextSummary produces a minimal project context summary: the
// repository path plus its ten most recent commits (git log --oneline),
// grounded on the teacher's
// internal/contextgather.Gather shape but trimmed to what SPEC_FULL's
// CONTEXT.md needs.
func buildContextSummary(repoPath string) string {
	var b strings.Builder
	b.WriteString("# Context\n\n")
	fmt.Fprintf(&b, "Repository: %s\n", repoPath)
	cmd := exec.Command("git", "-C", repoPath, "log", "--oneline", "-n", "10")
	if out, err := cmd.CombinedOutput(); err == nil {
		b.WriteString("\n## Recent history\n```\n")
		b.Write(out)
		b.WriteString("```\n")
	}
	return b.String()
}

func buildReproPlan(issue string) string {
	var b strings.Builder
	b.WriteString("# Reproduction plan\n\n")
	if issue == "" {
		b.WriteString("No issue text supplied.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "Issue: %s\n\n", issue)
	b.WriteString("1. Reproduce the reported behavior in the target repository.\n")
	b.WriteString("2. Identify the minimal change surface implicated by the issue text.\n")
	b.WriteString("3. Hand off to track runners for hypothesis generation and patching.\n")
	return b.String()
}
