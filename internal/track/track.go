// Package track implements the Track Runner: the per-track iteration loop
// state machine (INIT → PROVISION → ITERATE → (VERIFY) → DONE/DISQUALIFY).
//
// Grounded on the teacher's internal/runner.Runner phase loop (condition
// evaluation, on-fail handling, timing) for the overall shape of a
// step-by-step driver loop, and internal/dispatch/agent.go's RunAgent for
// composing a turn, invoking the process, and recording the result.
package track

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/anvilforge/anvil/internal/adapter"
	"github.com/anvilforge/anvil/internal/blackboard"
	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/errtag"
	"github.com/anvilforge/anvil/internal/obslog"
	"github.com/anvilforge/anvil/internal/runstatus"
	"github.com/anvilforge/anvil/internal/store"
	"github.com/anvilforge/anvil/internal/ux"
	"github.com/anvilforge/anvil/internal/validate"
	"github.com/anvilforge/anvil/internal/verify"
	"github.com/anvilforge/anvil/internal/worktree"
)

// Inputs bundles everything a single track's run needs from the session.
type Inputs struct {
	Cfg               config.TrackConfig
	RunID             string
	IssueText         string
	ContextSummary    string
	ReproPlan         string
	Directives        string
	ContainerImage    string // empty disables container isolation
	VerifyContract    *config.VerifyContract
	VerifyOnlyIfPatch bool              // resolved open question: verify only runs when a patch exists
	AllTracks         []string          // every track name in the session, for blackboard aggregation
	Timing            *runstatus.Timing // optional; records per-iteration wall-clock spans
	Log               *obslog.Logger    // optional; session-scoped logger to tag with this track's name
}

// Outcome is what the Session Driver's fan-in reads back from a completed
// track run.
type Outcome struct {
	Name             string
	Role             config.Role
	Disqualified     bool
	DisqualifyReason errtag.Reason
	LatestConfidence float64
	HasPatch         bool
	VerifyToken      string
	ProvisionedAt    time.Time
	IterationsRun    int
}

// Run drives one track through its full state machine. It never panics out
// to the caller: any unhandled failure is caught, written as CRASH.txt under
// the track directory, and converted into a disqualification.
func Run(ctx context.Context, s *store.Store, wm *worktree.Manager, a adapter.Adapter, in Inputs) (out Outcome) {
	out.Name = in.Cfg.Name
	out.Role = in.Cfg.Role

	defer func() {
		if r := recover(); r != nil {
			trace := fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
			_ = s.Write(trackDir(in.Cfg.Name)+"/CRASH.txt", []byte(trace))
			out.Disqualified = true
			out.DisqualifyReason = errtag.ReasonInternalCrash
			ux.TrackDisqualified(in.Cfg.Name, string(out.DisqualifyReason))
		}
	}()

	var tlog *obslog.Logger
	if in.Log != nil {
		tlog = in.Log.WithTrack(in.Cfg.Name)
	}

	workDir, err := wm.Provision(ctx, in.Cfg.Name)
	if err != nil {
		out.Disqualified = true
		out.DisqualifyReason = errtag.ReasonWorktreeFailure
		_ = s.Write(trackDir(in.Cfg.Name)+"/CRASH.txt", []byte(err.Error()))
		ux.TrackDisqualified(in.Cfg.Name, string(out.DisqualifyReason))
		return out
	}
	out.ProvisionedAt = time.Now()
	ux.TrackProvisioned(in.Cfg.Name, workDir)
	if tlog != nil {
		tlog.Info("provisioned", "path", workDir)
	}

	patchEverProduced := false
	var lastConfidence float64
	var lastVerifyToken string
	iterationsRun := 0

	for k := 1; k <= in.Cfg.Budget.MaxIters; k++ {
		if ctx.Err() != nil {
			// Operator interrupt or session-level cancellation: stop issuing
			// new iterations. Whatever is already on disk stays as-is.
			break
		}
		iterDir := fmt.Sprintf("%s/iter_%02d", trackDir(in.Cfg.Name), k)

		if existing, ok := tryLoadExisting(s, iterDir); ok {
			iterationsRun = k
			lastConfidence = existing.Confidence
			if existing.PatchPresent {
				patchEverProduced = true
			}
			if tok, ok := readVerifyToken(s, iterDir); ok {
				lastVerifyToken = tok
			}
			if existing.StatusSignal == validate.StatusDone {
				break
			}
			continue
		}

		board, err := blackboard.Build(s, in.AllTracks)
		if err != nil {
			out.Disqualified = true
			out.DisqualifyReason = errtag.ReasonInternalCrash
			ux.TrackDisqualified(in.Cfg.Name, string(out.DisqualifyReason))
			return out
		}

		logsDir, _ := s.Path(iterDir)
		_ = s.Mkdirs(iterDir)
		ux.TrackIteration(in.Cfg.Name, k, in.Cfg.Budget.MaxIters)
		if tlog != nil {
			tlog.Debug("iteration starting", "iteration", k)
		}

		ac := adapter.Context{
			Track:          in.Cfg.Name,
			Role:           in.Cfg.Role,
			Iteration:      k,
			IssueText:      in.IssueText,
			ContextSummary: in.ContextSummary,
			ReproPlan:      in.ReproPlan,
			BlackboardText: board.Merged,
			Directives:     in.Directives,
			Model:          in.Cfg.Model,
			WorkDir:        workDir,
			LogsDir:        logsDir,
			Timeout:        time.Duration(in.Cfg.Budget.PerIterTimeoutS) * time.Second,
			ContainerImage: in.ContainerImage,
		}

		if in.Timing != nil {
			in.Timing.AddStart(in.Cfg.Name, k)
		}
		output, runErr := a.RunIteration(ctx, ac)
		if in.Timing != nil {
			in.Timing.AddEnd(in.Cfg.Name, k)
		}
		if runErr != nil || (output != nil && output.TimedOut) {
			// TimeoutFailure is fatal to the iteration, not the track; continue.
			iterationsRun = k
			continue
		}

		_ = s.Write(iterDir+"/ITERATION.txt", []byte(output.RawText))

		env, valErr := validate.ValidateIteration(output.RawText)
		if valErr != nil {
			out.Disqualified = true
			out.DisqualifyReason = errtag.ReasonSchemaDrift
			_ = s.Write(trackDir(in.Cfg.Name)+"/CRASH.txt", []byte(valErr.Error()))
			ux.TrackDisqualified(in.Cfg.Name, string(out.DisqualifyReason))
			return out
		}
		iterationsRun = k
		lastConfidence = env.Confidence

		envJSON, _ := json.MarshalIndent(env, "", "  ")
		_ = s.Write(iterDir+"/ITERATION.json", envJSON)

		patchFound := env.PatchPresent
		if patch, ok := validate.ExtractPatch(output.RawText); ok {
			patchFound = true
			_ = s.Write(iterDir+"/PATCH.diff", []byte(patch))
		}
		if patchFound {
			patchEverProduced = true
		}

		if err := blackboard.Write(s, in.Cfg.Name, env.Observations); err != nil {
			out.Disqualified = true
			out.DisqualifyReason = errtag.ReasonInternalCrash
			ux.TrackDisqualified(in.Cfg.Name, string(out.DisqualifyReason))
			return out
		}

		shouldVerify := in.VerifyContract != nil && (patchFound || !in.VerifyOnlyIfPatch)
		if shouldVerify {
			vres, vErr := verify.Run(ctx, s, iterDir, workDir, in.VerifyContract,
				time.Duration(in.Cfg.Budget.PerIterTimeoutS)*time.Second)
			if vErr == nil {
				lastVerifyToken = "FAIL"
				if vres.Pass {
					lastVerifyToken = "PASS"
				}
				ux.TrackVerified(in.Cfg.Name, vres.Pass)
			}
			// Verifier failure here is not track-fatal; it only affects scoring.
		}

		if env.StatusSignal == validate.StatusDone {
			break
		}
	}

	if in.Cfg.Role == config.RoleFixer && !patchEverProduced {
		out.Disqualified = true
		out.DisqualifyReason = errtag.ReasonNoPatch
		ux.TrackDisqualified(in.Cfg.Name, string(out.DisqualifyReason))
		return out
	}

	out.LatestConfidence = lastConfidence
	out.HasPatch = patchEverProduced
	out.VerifyToken = lastVerifyToken
	out.IterationsRun = iterationsRun
	return out
}

func trackDir(name string) string {
	return "tracks/" + name
}

// tryLoadExisting implements the resume contract: an iteration directory
// whose ITERATION.json already exists and validates is skipped rather than
// re-run.
func tryLoadExisting(s *store.Store, iterDir string) (*validate.Envelope, bool) {
	if !s.Exists(iterDir + "/ITERATION.json") {
		return nil, false
	}
	data, err := s.Read(iterDir + "/ITERATION.json")
	if err != nil {
		return nil, false
	}
	env, err := validate.ValidateIteration(string(data))
	if err != nil {
		return nil, false
	}
	return env, true
}

func readVerifyToken(s *store.Store, iterDir string) (string, bool) {
	if !s.Exists(iterDir + "/VERIFY.md") {
		return "", false
	}
	data, err := s.Read(iterDir + "/VERIFY.md")
	if err != nil || len(data) == 0 {
		return "", false
	}
	if len(data) >= 4 && string(data[:4]) == "PASS" {
		return "PASS", true
	}
	if len(data) >= 4 && string(data[:4]) == "FAIL" {
		return "FAIL", true
	}
	return "", false
}

