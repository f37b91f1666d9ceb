// Package runstatus adapts the teacher's internal/state package (State,
// Timing) from a single linear phase pipeline to Anvil's concurrent track
// model: a session-level mutable Status instead of a phase-index/ticket
// State, and a Timing log keyed by (track, iteration) instead of phase
// name. Both still use the Artifact Store for atomic persistence, so a
// read always observes either a fully-formed previous write or nothing.
package runstatus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anvilforge/anvil/internal/store"
)

// State is the mutable run-level status written to RUN_STATUS.json.
type State string

const (
	StateRunning State = "RUNNING"
	StateOK      State = "OK"
	StateFail    State = "FAIL"
)

// Status is the content of RUN_STATUS.json.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

const statusPath = "RUN_STATUS.json"

// Load reads the run status, defaulting to StateRunning if none has been
// written yet — mirroring the teacher's State.Load default.
func Load(s *store.Store) (*Status, error) {
	if !s.Exists(statusPath) {
		return &Status{State: StateRunning}, nil
	}
	data, err := s.Read(statusPath)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("runstatus: parsing %s: %w", statusPath, err)
	}
	return &st, nil
}

// Save writes the run status atomically through the Artifact Store.
func (st *Status) Save(s *store.Store) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("runstatus: marshaling status: %w", err)
	}
	return s.Write(statusPath, data)
}

// TimingEntry records one track iteration's wall-clock span, generalizing
// the teacher's phase-keyed TimingEntry to a (track, iteration) key.
type TimingEntry struct {
	Track      string    `json:"track"`
	Iteration  int       `json:"iteration"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
}

// Timing is a concurrency-safe log of iteration timings across every track
// in a run, flushed to TIMING.json.
type Timing struct {
	mu      sync.Mutex
	Entries []TimingEntry `json:"entries"`
}

const timingPath = "TIMING.json"

// LoadTiming reads any prior timing log, or returns an empty one.
func LoadTiming(s *store.Store) (*Timing, error) {
	if !s.Exists(timingPath) {
		return &Timing{}, nil
	}
	data, err := s.Read(timingPath)
	if err != nil {
		return nil, err
	}
	var t Timing
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("runstatus: parsing %s: %w", timingPath, err)
	}
	return &t, nil
}

// AddStart appends a new in-progress entry for (track, iteration). Safe to
// call concurrently from multiple track goroutines.
func (t *Timing) AddStart(track string, iteration int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Entries = append(t.Entries, TimingEntry{Track: track, Iteration: iteration, Start: time.Now()})
}

// AddEnd closes out the most recent open entry for (track, iteration).
func (t *Timing) AddEnd(track string, iteration int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.Entries) - 1; i >= 0; i-- {
		e := &t.Entries[i]
		if e.Track == track && e.Iteration == iteration && e.End.IsZero() {
			e.End = time.Now()
			e.DurationMS = e.End.Sub(e.Start).Milliseconds()
			return
		}
	}
}

// Flush writes the in-memory timing log to TIMING.json.
func (t *Timing) Flush(s *store.Store) error {
	t.mu.Lock()
	data, err := json.MarshalIndent(t, "", "  ")
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("runstatus: marshaling timing log: %w", err)
	}
	return s.Write(timingPath, data)
}
