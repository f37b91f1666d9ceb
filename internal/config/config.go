// Package config loads and validates the session and tracks configuration
// that drives a run. It mirrors the teacher's internal/config package:
// YAML on disk (gopkg.in/yaml.v3), a small validation pass with clear
// error messages, and no surprise defaulting of required fields.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// nameRe is the restricted character set shared by run ids and track names:
// alnum start, then alnum/underscore/hyphen, max 64 chars.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// Mode is the top-level session mode.
type Mode string

const (
	ModeDebug  Mode = "debug"
	ModeHarden Mode = "harden"
)

// Role is a track's assigned stance.
type Role string

const (
	RoleFixer       Role = "fixer"
	RoleBreaker     Role = "breaker"
	RoleDebugger    Role = "debugger"
	RoleExperimental Role = "experimental"
)

var knownRoles = map[Role]bool{
	RoleFixer: true, RoleBreaker: true, RoleDebugger: true, RoleExperimental: true,
}

// Provider identifies which Agent Adapter constructor drives a track.
type Provider string

const (
	ProviderManual Provider = "manual"
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
	ProviderError  Provider = "error"
)

var knownProviders = map[Provider]bool{
	ProviderManual: true, ProviderClaude: true, ProviderCodex: true,
	ProviderGemini: true, ProviderError: true,
}

// Budget bounds a track's iteration loop.
type Budget struct {
	MaxIters       int `yaml:"max_iters"`
	PerIterTimeoutS int `yaml:"per_iter_timeout_s"`
}

// TrackConfig describes one track's identity, stance, and resource limits.
type TrackConfig struct {
	Name            string         `yaml:"name"`
	Role            Role           `yaml:"role"`
	Provider        Provider       `yaml:"provider"`
	Model           string         `yaml:"model,omitempty"`
	ProviderOptions map[string]any `yaml:"provider_options,omitempty"`
	Directives      string         `yaml:"directives,omitempty"`
	Budget          Budget         `yaml:"budgets"`
}

// TracksFile is the on-disk shape of the tracks configuration YAML.
type TracksFile struct {
	Tracks []TrackConfig `yaml:"tracks"`
}

// LoadTracks reads and parses a tracks configuration file. It does not
// validate; call ValidateTracks separately so callers can decide whether
// a load-but-invalid file is a hard error or something to report nicely.
func LoadTracks(path string) (*TracksFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading tracks file %s: %w", path, err)
	}
	var tf TracksFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("config: parsing tracks file %s: %w", path, err)
	}
	return &tf, nil
}

// ValidateTracks checks the restricted character set, uniqueness, known
// role/provider enums, and budget sanity. Unknown provider values are
// rejected here with a clear error, per the load-time contract.
func ValidateTracks(tf *TracksFile) error {
	if len(tf.Tracks) == 0 {
		return fmt.Errorf("config: tracks file declares no tracks")
	}
	seen := make(map[string]bool, len(tf.Tracks))
	for i, t := range tf.Tracks {
		if !nameRe.MatchString(t.Name) {
			return fmt.Errorf("config: track %d: name %q does not match %s", i, t.Name, nameRe.String())
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate track name %q", t.Name)
		}
		seen[t.Name] = true
		if !knownRoles[t.Role] {
			return fmt.Errorf("config: track %q: unknown role %q", t.Name, t.Role)
		}
		if !knownProviders[t.Provider] {
			return fmt.Errorf("config: track %q: unknown provider %q", t.Name, t.Provider)
		}
		if t.Budget.MaxIters < 1 {
			return fmt.Errorf("config: track %q: max_iters must be >= 1, got %d", t.Name, t.Budget.MaxIters)
		}
		if t.Budget.PerIterTimeoutS < 1 {
			return fmt.Errorf("config: track %q: per_iter_timeout_s must be >= 1, got %d", t.Name, t.Budget.PerIterTimeoutS)
		}
	}
	return nil
}

// VerifyCommand is one step of the verification contract: a shell command
// string run in the worktree with its own timeout. Additional fields in the
// YAML beyond name/cmd/required are tolerated and preserved via Extra.
type VerifyCommand struct {
	Name      string         `yaml:"name"`
	Cmd       string         `yaml:"cmd"`
	Required  bool           `yaml:"required"`
	TimeoutS  int            `yaml:"timeout_s"`
	Extra     map[string]any `yaml:",inline"`
}

// VerifyContract is the on-disk shape of the verification contract YAML.
type VerifyContract struct {
	Commands []VerifyCommand `yaml:"commands"`
}

// LoadVerifyContract reads and parses the verification contract file.
func LoadVerifyContract(path string) (*VerifyContract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading verify contract %s: %w", path, err)
	}
	var vc VerifyContract
	if err := yaml.Unmarshal(data, &vc); err != nil {
		return nil, fmt.Errorf("config: parsing verify contract %s: %w", path, err)
	}
	if len(vc.Commands) == 0 {
		return nil, fmt.Errorf("config: verify contract %s declares no commands", path)
	}
	for i, c := range vc.Commands {
		if c.Cmd == "" {
			return nil, fmt.Errorf("config: verify contract %s: command %d has empty cmd string", path, i)
		}
		if c.TimeoutS < 1 {
			return nil, fmt.Errorf("config: verify contract %s: command %q timeout_s must be >= 1", path, c.Name)
		}
	}
	return &vc, nil
}

// SessionConfig is the immutable configuration for one run, assembled from
// CLI flags and the loaded tracks file.
type SessionConfig struct {
	RunID              string
	RunRoot            string
	RepoPath           string
	Mode               Mode
	Issue              string
	Resume             bool
	AutoApply          bool
	ContainerIsolation bool
	VerifyContractPath string
	Tracks             []TrackConfig
}

// Validate checks the run id charset and defers to ValidateTracks for the
// per-track rules, so a SessionConfig assembled anywhere in the codebase
// gets the same scrutiny as one loaded from disk.
func (c *SessionConfig) Validate() error {
	if !nameRe.MatchString(c.RunID) {
		return fmt.Errorf("config: run id %q does not match %s", c.RunID, nameRe.String())
	}
	if c.Mode != ModeDebug && c.Mode != ModeHarden {
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.RepoPath == "" {
		return fmt.Errorf("config: repo path is required")
	}
	tf := &TracksFile{Tracks: c.Tracks}
	if err := ValidateTracks(tf); err != nil {
		return err
	}
	return nil
}
