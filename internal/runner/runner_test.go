package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRunCapturesStdoutAndExitCode(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Spec{
		Command:    "echo hello",
		Dir:        dir,
		Timeout:    5 * time.Second,
		StdoutPath: filepath.Join(dir, "out.log"),
		StderrPath: filepath.Join(dir, "err.log"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	out, err := os.ReadFile(res.StdoutPath)
	if err != nil {
		t.Fatalf("reading stdout capture: %v", err)
	}
	if string(out) != "hello\n" {
		t.Fatalf("unexpected stdout: %q", out)
	}
	if res.StdoutBytes != int64(len(out)) {
		t.Fatalf("StdoutBytes mismatch: %d vs %d", res.StdoutBytes, len(out))
	}
}

func TestRunPropagatesNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Spec{
		Command:    "exit 7",
		Dir:        dir,
		Timeout:    5 * time.Second,
		StdoutPath: filepath.Join(dir, "out.log"),
		StderrPath: filepath.Join(dir, "err.log"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", res.ExitCode)
	}
}

func TestRunTimesOutAndSignalsProcess(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), Spec{
		Command:    "sleep 5",
		Dir:        dir,
		Timeout:    200 * time.Millisecond,
		StdoutPath: filepath.Join(dir, "out.log"),
		StderrPath: filepath.Join(dir, "err.log"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut to be true")
	}
}

func TestRunRejectsZeroTimeout(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(context.Background(), Spec{
		Command:    "echo hi",
		Dir:        dir,
		StdoutPath: filepath.Join(dir, "out.log"),
		StderrPath: filepath.Join(dir, "err.log"),
	})
	if err == nil {
		t.Fatal("expected error for zero timeout")
	}
}

func TestResolveCommandWithContainer(t *testing.T) {
	spec := Spec{
		Command: "go test ./...",
		Dir:     "/work/repo",
		Container: &ContainerSpec{
			Image:      "golang:1.22",
			MountPoint: "/workspace",
		},
	}
	name, args := resolveCommand(spec)
	if name != "docker" {
		t.Fatalf("expected docker, got %s", name)
	}
	if len(args) == 0 || args[len(args)-1] != "go test ./..." {
		t.Fatalf("expected command string as last arg, got %v", args)
	}
}

func TestResolveCommandWithoutContainer(t *testing.T) {
	name, args := resolveCommand(Spec{Command: "echo hi"})
	if name != "sh" {
		t.Fatalf("expected sh, got %s", name)
	}
	if len(args) != 2 || args[0] != "-c" || args[1] != "echo hi" {
		t.Fatalf("unexpected args: %v", args)
	}
}
