// Package errtag defines the closed set of failure reasons the orchestrator
// can attach to a track, a write, or a whole session. Every disqualification
// recorded in SCORECARD.json traces back to one of these sentinels.
package errtag

import "errors"

// Sentinels for the taxonomy in spec §7. Wrap with fmt.Errorf("...: %w", Err...)
// at the call site so errors.Is keeps working through context.
var (
	ErrPathEscape               = errors.New("path escape")
	ErrWorktreeConflict         = errors.New("worktree conflict")
	ErrWorktreeFailure          = errors.New("worktree failure")
	ErrSchemaDrift              = errors.New("schema drift")
	ErrTimeoutFailure           = errors.New("timeout failure")
	ErrNoPatch                  = errors.New("no patch produced")
	ErrVerifyFail               = errors.New("verification failed")
	ErrUnknownProvider          = errors.New("unknown provider")
	ErrRepoNotVersionControlled = errors.New("repository is not version controlled")
	ErrInternalCrash            = errors.New("internal crash")
	ErrOperatorInterrupt        = errors.New("operator interrupt")
	ErrInputValidation          = errors.New("input validation failure")
)

// Reason is the exact enumerated tag written into SCORECARD.json for a
// disqualified track. It must match one of the taxonomy names in spec §7.
type Reason string

const (
	ReasonWorktreeFailure    Reason = "WorktreeFailure"
	ReasonSchemaDrift        Reason = "SchemaDrift"
	ReasonNoPatch            Reason = "NoPatch"
	ReasonInternalCrash      Reason = "InternalCrash"
	ReasonAllIterTimedOut    Reason = "AllIterationsTimedOut"
	ReasonUnknownProvider    Reason = "UnknownProvider"
	ReasonOperatorInterrupt  Reason = "OperatorInterrupt"
)

// ReasonFor maps a sentinel error to its taxonomy tag. Returns ReasonInternalCrash
// for anything unrecognized, since an unmapped error is itself a bug we want
// surfaced rather than silently swallowed.
func ReasonFor(err error) Reason {
	switch {
	case errors.Is(err, ErrWorktreeFailure), errors.Is(err, ErrWorktreeConflict):
		return ReasonWorktreeFailure
	case errors.Is(err, ErrSchemaDrift):
		return ReasonSchemaDrift
	case errors.Is(err, ErrNoPatch):
		return ReasonNoPatch
	case errors.Is(err, ErrUnknownProvider):
		return ReasonUnknownProvider
	case errors.Is(err, ErrOperatorInterrupt):
		return ReasonOperatorInterrupt
	default:
		return ReasonInternalCrash
	}
}
