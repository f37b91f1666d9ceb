// Package ux renders Anvil's console output. It keeps the teacher's
// structure in internal/ux/output.go — one function per notable event,
// a timestamp prefix on every line — but replaces the hand-rolled ANSI
// escape codes with charmbracelet/lipgloss styles, matching how the rest
// of the example pack (Raven, gh-aw) renders styled CLI output.
package ux

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	dimStyle    = lipgloss.NewStyle().Faint(true)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	cyanStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

func timestamp() string {
	return dimStyle.Render(fmt.Sprintf("[%s]", time.Now().Format("15:04:05")))
}

// SessionHeader prints the banner for a run's start.
func SessionHeader(runID, mode string, trackCount int) {
	fmt.Printf("\n%s %s\n", timestamp(), cyanStyle.Render("══════════════════════════════════════"))
	fmt.Printf("%s  %s\n", timestamp(), boldStyle.Render(fmt.Sprintf("run %s (%s mode) — %d track(s)", runID, mode, trackCount)))
	fmt.Printf("%s %s\n", timestamp(), cyanStyle.Render("══════════════════════════════════════"))
}

// TrackProvisioned announces a track's worktree is ready.
func TrackProvisioned(track, path string) {
	fmt.Printf("%s  %s %s\n", timestamp(), cyanStyle.Render("⚙"), fmt.Sprintf("%s provisioned at %s", track, path))
}

// TrackIteration announces the start of one iteration.
func TrackIteration(track string, k, maxIters int) {
	fmt.Printf("%s  %s\n", timestamp(), fmt.Sprintf("%s — iteration %d/%d", track, k, maxIters))
}

// TrackDisqualified reports a disqualification.
func TrackDisqualified(track, reason string) {
	fmt.Printf("%s  %s %s\n", timestamp(), redStyle.Render("✗"), fmt.Sprintf("%s disqualified: %s", track, reason))
}

// TrackVerified reports a verification outcome.
func TrackVerified(track string, pass bool) {
	if pass {
		fmt.Printf("%s  %s %s\n", timestamp(), greenStyle.Render("✓"), fmt.Sprintf("%s verified PASS", track))
		return
	}
	fmt.Printf("%s  %s %s\n", timestamp(), yellowStyle.Render("–"), fmt.Sprintf("%s verified FAIL", track))
}

// Decision announces the Judge's winner, or its absence.
func Decision(winner string) {
	if winner == "" {
		fmt.Printf("\n%s  %s\n\n", timestamp(), yellowStyle.Render("no winner selected"))
		return
	}
	fmt.Printf("\n%s  %s\n\n", timestamp(), boldStyle.Render(greenStyle.Render("winner: "+winner)))
}

// Failure prints the single-line diagnostic the CLI shows on nonzero exit;
// all further detail lives in the run's artifacts.
func Failure(runRoot, reason string) {
	fmt.Printf("%s run failed: %s (see %s)\n", redStyle.Render("✗"), reason, runRoot)
}

// ResumeHint prints the resume subcommand with the run id. The --run-root
// flag that `debug resume` also requires is not part of the printed line.
func ResumeHint(runID string) {
	fmt.Printf("\n%s anvil debug resume %s\n", yellowStyle.Render("resume:"), runID)
}
