package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoadTracksValid(t *testing.T) {
	path := writeTemp(t, "tracks.yaml", `
tracks:
  - name: alpha
    role: fixer
    provider: manual
    budgets:
      max_iters: 2
      per_iter_timeout_s: 60
  - name: beta
    role: breaker
    provider: claude
    model: some-model
    budgets:
      max_iters: 1
      per_iter_timeout_s: 30
`)
	tf, err := LoadTracks(path)
	if err != nil {
		t.Fatalf("LoadTracks: %v", err)
	}
	if err := ValidateTracks(tf); err != nil {
		t.Fatalf("ValidateTracks: %v", err)
	}
	if len(tf.Tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tf.Tracks))
	}
}

func TestValidateTracksRejectsDuplicateNames(t *testing.T) {
	tf := &TracksFile{Tracks: []TrackConfig{
		{Name: "a", Role: RoleFixer, Provider: ProviderManual, Budget: Budget{MaxIters: 1, PerIterTimeoutS: 10}},
		{Name: "a", Role: RoleBreaker, Provider: ProviderManual, Budget: Budget{MaxIters: 1, PerIterTimeoutS: 10}},
	}}
	if err := ValidateTracks(tf); err == nil {
		t.Fatal("expected error for duplicate track names")
	}
}

func TestValidateTracksRejectsUnknownProvider(t *testing.T) {
	tf := &TracksFile{Tracks: []TrackConfig{
		{Name: "a", Role: RoleFixer, Provider: "not-a-provider", Budget: Budget{MaxIters: 1, PerIterTimeoutS: 10}},
	}}
	if err := ValidateTracks(tf); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestValidateTracksRejectsBadName(t *testing.T) {
	tf := &TracksFile{Tracks: []TrackConfig{
		{Name: "-bad", Role: RoleFixer, Provider: ProviderManual, Budget: Budget{MaxIters: 1, PerIterTimeoutS: 10}},
	}}
	if err := ValidateTracks(tf); err == nil {
		t.Fatal("expected error for leading-hyphen track name")
	}
}

func TestValidateTracksRejectsBadBudget(t *testing.T) {
	tf := &TracksFile{Tracks: []TrackConfig{
		{Name: "a", Role: RoleFixer, Provider: ProviderManual, Budget: Budget{MaxIters: 0, PerIterTimeoutS: 10}},
	}}
	if err := ValidateTracks(tf); err == nil {
		t.Fatal("expected error for max_iters < 1")
	}
}

func TestLoadVerifyContract(t *testing.T) {
	path := writeTemp(t, "verify.yaml", `
commands:
  - name: unit
    cmd: go test ./...
    required: true
    timeout_s: 120
  - name: lint
    cmd: golangci-lint run
    required: false
    timeout_s: 60
`)
	vc, err := LoadVerifyContract(path)
	if err != nil {
		t.Fatalf("LoadVerifyContract: %v", err)
	}
	if len(vc.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(vc.Commands))
	}
	if vc.Commands[1].Required {
		t.Fatal("expected lint command to be non-required")
	}
}

func TestLoadVerifyContractRejectsEmpty(t *testing.T) {
	path := writeTemp(t, "verify.yaml", "commands: []\n")
	if _, err := LoadVerifyContract(path); err == nil {
		t.Fatal("expected error for empty commands list")
	}
}

func TestSessionConfigValidate(t *testing.T) {
	sc := &SessionConfig{
		RunID:    "run-001",
		RepoPath: "/tmp/repo",
		Mode:     ModeDebug,
		Tracks: []TrackConfig{
			{Name: "solo", Role: RoleDebugger, Provider: ProviderManual, Budget: Budget{MaxIters: 1, PerIterTimeoutS: 30}},
		},
	}
	if err := sc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSessionConfigValidateRejectsBadRunID(t *testing.T) {
	sc := &SessionConfig{
		RunID:    "_bad",
		RepoPath: "/tmp/repo",
		Mode:     ModeDebug,
		Tracks: []TrackConfig{
			{Name: "solo", Role: RoleDebugger, Provider: ProviderManual, Budget: Budget{MaxIters: 1, PerIterTimeoutS: 30}},
		},
	}
	if err := sc.Validate(); err == nil {
		t.Fatal("expected error for run id starting with underscore")
	}
}

func TestSessionConfigValidateRejectsUnknownMode(t *testing.T) {
	sc := &SessionConfig{
		RunID:    "run-001",
		RepoPath: "/tmp/repo",
		Mode:     "bogus",
		Tracks: []TrackConfig{
			{Name: "solo", Role: RoleDebugger, Provider: ProviderManual, Budget: Budget{MaxIters: 1, PerIterTimeoutS: 30}},
		},
	}
	if err := sc.Validate(); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
