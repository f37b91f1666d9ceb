// Package blackboard implements the shared observation log refreshed
// between iteration boundaries. Each track runner writes its own latest
// observations to a small per-track file as soon as an iteration validates,
// replacing what it wrote before;
// Build aggregates those files into one snapshot for the next round of
// prompts.
//
// This per-track-file layout (rather than re-scanning every track's highest
// iteration directory on every refresh) is grounded directly on the
// teacher's internal/state/artifacts.go WriteFeedback/ReadAllFeedback pair:
// one small file per contributor under a shared directory, merged with a
// "--- observations from X ---" header, last-writer-wins, no locking because writes are
// whole-file atomic (via the Artifact Store) and readers tolerate seeing a
// stale-but-well-formed previous snapshot.
package blackboard

import (
	"fmt"
	"sort"
	"strings"

	"github.com/anvilforge/anvil/internal/store"
)

const dir = "blackboard"

// Board is the aggregated cross-track snapshot.
type Board struct {
	PerTrack map[string][]string // track name -> its latest observations
	Merged   string              // human-readable rendering, one section per contributing track in track-name order
}

// entryPath is the per-track observation file path under the blackboard dir.
func entryPath(track string) string {
	return fmt.Sprintf("%s/from-%s.md", dir, track)
}

// Write records track's latest observations, overwriting whatever it wrote
// after its previous iteration. Called by the Track Runner immediately
// after an iteration's envelope validates.
func Write(s *store.Store, track string, observations []string) error {
	content := strings.Join(observations, "\n")
	return s.Write(entryPath(track), []byte(content))
}

// Build reads every listed track's current observation file and returns the
// aggregated Board. Tracks with no file yet (first iteration not complete)
// are simply absent from the result; callers should not treat that as an
// error.
func Build(s *store.Store, tracks []string) (*Board, error) {
	board := &Board{PerTrack: make(map[string][]string, len(tracks))}

	sorted := append([]string(nil), tracks...)
	sort.Strings(sorted)

	var parts []string
	for _, t := range sorted {
		if !s.Exists(entryPath(t)) {
			continue
		}
		data, err := s.Read(entryPath(t))
		if err != nil {
			return nil, fmt.Errorf("blackboard: reading %s: %w", t, err)
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		lines := strings.Split(content, "\n")
		board.PerTrack[t] = lines
		parts = append(parts, fmt.Sprintf("--- observations from %s ---\n%s", t, content))
	}
	board.Merged = strings.Join(parts, "\n\n")
	return board, nil
}
