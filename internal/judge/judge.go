// Package judge implements the evidence-based scoring and winner-selection
// rules of §4.9: scores every track from the per-track facts its caller
// supplies (latest confidence, patch presence, verification token), and
// writes the SCORECARD.json / DECISION.md (or HARDEN.md, in harden mode)
// artifacts.
package judge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/store"
)

// TrackInput is everything the Judge needs about one track to score it.
// Track Runners populate this at fan-in time; the Judge does no filesystem
// scanning of its own beyond what callers hand it, keeping scoring a pure
// function of its inputs.
type TrackInput struct {
	Name              string
	Role              config.Role
	Disqualified      bool
	DisqualifyReason  string
	LatestConfidence  float64
	HasPatch          bool
	VerifyToken       string // "PASS", "FAIL", or "" if no VERIFY.md
	ProvisionedAt     time.Time
}

// ScoredTrack is one track's computed score plus the evidence tags behind it.
type ScoredTrack struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Score        float64  `json:"score"`
	Disqualified bool     `json:"disqualified"`
	Verified     bool     `json:"verified"`
	HasPatch     bool     `json:"has_patch"`
	Tags         []string `json:"tags"`
}

// Scorecard is the full ranked output.
type Scorecard struct {
	Tracks []ScoredTrack `json:"tracks"`
	Winner string        `json:"winner,omitempty"`
}

// Compute applies the §4.9 scoring formula to every input track and
// determines the unique argmax winner among strictly positive scores.
func Compute(inputs []TrackInput) *Scorecard {
	scored := make([]ScoredTrack, 0, len(inputs))
	provisioned := make(map[string]time.Time, len(inputs))

	for _, in := range inputs {
		if in.Disqualified {
			scored = append(scored, ScoredTrack{
				Name: in.Name, Role: string(in.Role), Score: 0,
				Disqualified: true, Tags: []string{"disqualified", in.DisqualifyReason},
			})
			continue
		}

		score := 100 * in.LatestConfidence
		var tags []string
		tags = append(tags, "role:"+string(in.Role))

		if in.HasPatch {
			score += 10
			tags = append(tags, "has_patch")
		}

		verified := false
		switch in.VerifyToken {
		case "PASS":
			score += 40
			verified = true
			tags = append(tags, "verified")
		case "FAIL":
			score -= 100
			tags = append(tags, "verify_failed")
		}

		if !in.HasPatch {
			switch in.Role {
			case config.RoleFixer:
				score -= 50
			case config.RoleBreaker:
				score -= 10
			}
			tags = append(tags, "no_patch")
		}

		scored = append(scored, ScoredTrack{
			Name: in.Name, Role: string(in.Role), Score: score,
			Disqualified: false, Verified: verified, HasPatch: in.HasPatch, Tags: tags,
		})
		provisioned[in.Name] = in.ProvisionedAt
	}

	winner := selectWinner(scored, provisioned)

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return &Scorecard{Tracks: scored, Winner: winner}
}

// selectWinner finds the unique argmax over strictly positive scores,
// breaking ties by verified-first, then earliest provision timestamp, then
// lexicographic track name.
func selectWinner(scored []ScoredTrack, provisioned map[string]time.Time) string {
	var best *ScoredTrack
	for i := range scored {
		s := &scored[i]
		if s.Disqualified || s.Score <= 0 {
			continue
		}
		if best == nil || isBetter(*s, *best, provisioned) {
			best = s
		}
	}
	if best == nil {
		return ""
	}
	return best.Name
}

func isBetter(a, b ScoredTrack, provisioned map[string]time.Time) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Verified != b.Verified {
		return a.Verified
	}
	pa, pb := provisioned[a.Name], provisioned[b.Name]
	if !pa.Equal(pb) {
		return pa.Before(pb)
	}
	return a.Name < b.Name
}

// Write persists the scorecard as SCORECARD.json and a human-readable
// DECISION.md under relDir.
func Write(s *store.Store, relDir string, sc *Scorecard) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("judge: marshaling scorecard: %w", err)
	}
	if err := s.Write(relDir+"/SCORECARD.json", data); err != nil {
		return fmt.Errorf("judge: writing SCORECARD.json: %w", err)
	}
	return s.Write(relDir+"/DECISION.md", []byte(renderDecisionMD(sc)))
}

// WriteHarden persists the scorecard plus a ranked finding list as
// HARDEN.md, used instead of DECISION.md in harden mode.
func WriteHarden(s *store.Store, relDir string, sc *Scorecard) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("judge: marshaling scorecard: %w", err)
	}
	if err := s.Write(relDir+"/SCORECARD.json", data); err != nil {
		return fmt.Errorf("judge: writing SCORECARD.json: %w", err)
	}
	return s.Write(relDir+"/HARDEN.md", []byte(renderHardenMD(sc)))
}

func renderDecisionMD(sc *Scorecard) string {
	var b strings.Builder
	if sc.Winner == "" {
		b.WriteString("# Decision\n\nno winner\n\n")
	} else {
		fmt.Fprintf(&b, "# Decision\n\nwinner: %s\n\n", sc.Winner)
	}
	b.WriteString("## Scores\n\n")
	for _, t := range sc.Tracks {
		fmt.Fprintf(&b, "- %s (%s): %.2f %v\n", t.Name, t.Role, t.Score, t.Tags)
	}
	return b.String()
}

func renderHardenMD(sc *Scorecard) string {
	var b strings.Builder
	b.WriteString("# Hardening findings\n\n")
	rank := 1
	for _, t := range sc.Tracks {
		if t.Disqualified {
			continue
		}
		fmt.Fprintf(&b, "%d. %s (%s) — score %.2f %v\n", rank, t.Name, t.Role, t.Score, t.Tags)
		rank++
	}
	if rank == 1 {
		b.WriteString("(no findings)\n")
	}
	return b.String()
}
