// Package adapter implements the Agent Adapter: a uniform contract wrapping
// opaque external agent processes. Each adapter assembles a role-aware
// prompt, invokes the process through the Command Runner, and extracts an
// iteration envelope from the raw output.
//
// Grounded on the teacher's internal/dispatch/agent.go for the
// prompt-render/invoke/extract shape (RunAgent) and internal/dispatch/stream.go
// for preferring a structured block before falling back to salvage.
package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/runner"
)

// Context bundles everything an adapter needs to run one iteration.
type Context struct {
	Track           string
	Role            config.Role
	Iteration       int
	IssueText       string
	ContextSummary  string
	ReproPlan       string
	BlackboardText  string
	Directives      string
	Model           string
	WorkDir         string
	LogsDir         string
	Timeout         time.Duration
	ContainerImage  string // empty disables container isolation
}

// Output is what RunIteration hands back to the Track Runner: the raw text
// an envelope should be extracted from, plus timing and exit information.
type Output struct {
	RawText   string
	Duration  time.Duration
	ExitCode  int
	TimedOut  bool
}

// Adapter is the uniform contract every provider satisfies.
type Adapter interface {
	RunIteration(ctx context.Context, ac Context) (*Output, error)
}

// Constructor builds an Adapter for a track, given its model identifier and
// provider-specific options.
type Constructor func(model string, options map[string]any) Adapter

var registry = map[config.Provider]Constructor{
	config.ProviderManual: func(string, map[string]any) Adapter { return &manualAdapter{} },
	config.ProviderClaude: func(model string, opts map[string]any) Adapter {
		return &cliAdapter{binary: "claude", args: claudeArgs, model: model}
	},
	config.ProviderCodex: func(model string, opts map[string]any) Adapter {
		return &cliAdapter{binary: "codex", args: codexArgs, model: model, useStdin: true}
	},
	config.ProviderGemini: func(model string, opts map[string]any) Adapter {
		return &cliAdapter{binary: "gemini", args: geminiArgs, model: model}
	},
	config.ProviderError: func(string, map[string]any) Adapter { return &errorAdapter{} },
}

// New resolves a provider to its Adapter. An unknown provider name yields
// the synthesized error adapter rather than a construction-time failure,
// matching the spec's "error adapter is synthesized" contract; the caller
// is expected to have already rejected unknown providers at config-load time.
func New(provider config.Provider, model string, options map[string]any) Adapter {
	if ctor, ok := registry[provider]; ok {
		return ctor(model, options)
	}
	return &errorAdapter{}
}

// BuildPrompt assembles the role-aware prompt text shared by every
// subprocess-backed adapter. Fixer prompts require a patch; breaker prompts
// request patches or disclosed findings.
func BuildPrompt(ac Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Iteration %d — track %q (role: %s)\n\n", ac.Iteration, ac.Track, ac.Role)
	if ac.IssueText != "" {
		fmt.Fprintf(&b, "## Issue\n%s\n\n", ac.IssueText)
	}
	if ac.ContextSummary != "" {
		fmt.Fprintf(&b, "## Context\n%s\n\n", ac.ContextSummary)
	}
	if ac.ReproPlan != "" {
		fmt.Fprintf(&b, "## Reproduction plan\n%s\n\n", ac.ReproPlan)
	}
	if ac.BlackboardText != "" {
		fmt.Fprintf(&b, "## Observations from other tracks\n%s\n\n", ac.BlackboardText)
	}
	if ac.Directives != "" {
		fmt.Fprintf(&b, "## Directives\n%s\n\n", ac.Directives)
	}

	switch ac.Role {
	case config.RoleFixer:
		b.WriteString("## Task\nProduce a unified diff patch that fixes the issue. " +
			"Emit the patch in a fenced ```diff block. ")
	case config.RoleBreaker:
		b.WriteString("## Task\nTry to break the system under test, or produce a patch that " +
			"demonstrates the fix is incomplete. Disclose findings even without a patch. ")
	case config.RoleDebugger:
		b.WriteString("## Task\nInvestigate the issue and report findings. A patch is optional. ")
	default:
		b.WriteString("## Task\nExplore the hypothesis space freely. ")
	}
	b.WriteString("Finish by emitting exactly one JSON object matching the iteration envelope " +
		"schema (hypothesis, confidence, status_signal, and optionally experiments, " +
		"proposed_changes, observations, patch_present).\n")
	return b.String()
}

// manualAdapter writes a deterministic template to disk without invoking
// any external process and returns a minimal valid envelope, per spec.
type manualAdapter struct{}

func (m *manualAdapter) RunIteration(ctx context.Context, ac Context) (*Output, error) {
	template := BuildPrompt(ac) +
		"\n(manual adapter: no external process invoked; operator fills this in by hand)\n"
	if ac.LogsDir != "" {
		path := filepath.Join(ac.LogsDir, fmt.Sprintf("iter_%02d.manual.md", ac.Iteration))
		_ = os.WriteFile(path, []byte(template), 0o644)
	}
	raw := fmt.Sprintf(`{"hypothesis":"manual track: awaiting operator input","confidence":0.0,"status_signal":"NEEDS_MORE_WORK","observations":["manual adapter produced no automated findings"]}`)
	return &Output{RawText: raw, Duration: 0, ExitCode: 0}, nil
}

// errorAdapter is synthesized for unknown provider configuration instead of
// failing the constructor itself. It returns a valid BLOCKED envelope with
// zero confidence and exit code 1, which the Track Runner records as an
// ordinary iteration: the track is not disqualified by it (a fixer track
// still ends disqualified with NoPatch), and its score is at most zero, so
// it cannot win.
type errorAdapter struct{}

func (e *errorAdapter) RunIteration(ctx context.Context, ac Context) (*Output, error) {
	raw := `{"hypothesis":"unknown provider configured","confidence":0.0,"status_signal":"BLOCKED"}`
	return &Output{RawText: raw, Duration: 0, ExitCode: 1}, nil
}

// cliAdapter shells out to a CLI-based coding agent through the Command
// Runner, following the teacher's subprocess-invocation shape but generic
// over which binary and argument builder is used. args builds the argument
// list given the model and the literal prompt text (not a path — the
// adapter never asks the shell to expand anything); when useStdin is set,
// args receives an empty prompt string and the prompt is instead piped to
// the subprocess's stdin via runner.Spec.StdinPath.
type cliAdapter struct {
	binary   string
	args     func(model, prompt string) []string
	model    string
	useStdin bool
}

func (c *cliAdapter) RunIteration(ctx context.Context, ac Context) (*Output, error) {
	// A fresh turn id correlates this invocation's prompt/stdout/stderr
	// across logs, the way the teacher tags each agent turn with a
	// session id before invoking the subprocess.
	turnID := uuid.New().String()

	prompt := BuildPrompt(ac)
	promptPath := filepath.Join(ac.LogsDir, fmt.Sprintf("iter_%02d.prompt.md", ac.Iteration))
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		return nil, fmt.Errorf("adapter: writing prompt for %s: %w", ac.Track, err)
	}

	model := ac.Model
	if model == "" {
		model = c.model
	}

	var args []string
	var stdinPath string
	if c.useStdin {
		args = c.args(model, "")
		stdinPath = promptPath
	} else {
		args = c.args(model, prompt)
	}

	command := c.binary
	for _, a := range args {
		command += " " + shellQuote(a)
	}

	var containerSpec *runner.ContainerSpec
	if ac.ContainerImage != "" {
		containerSpec = &runner.ContainerSpec{Image: ac.ContainerImage}
	}

	result, err := runner.Run(ctx, runner.Spec{
		Command:    command,
		Dir:        ac.WorkDir,
		Env:        append(os.Environ(), "ANVIL_TURN_ID="+turnID),
		Timeout:    ac.Timeout,
		StdinPath:  stdinPath,
		StdoutPath: filepath.Join(ac.LogsDir, fmt.Sprintf("iter_%02d.stdout.log", ac.Iteration)),
		StderrPath: filepath.Join(ac.LogsDir, fmt.Sprintf("iter_%02d.stderr.log", ac.Iteration)),
		Container:  containerSpec,
	})
	if err != nil {
		return nil, err
	}

	raw, readErr := os.ReadFile(result.StdoutPath)
	if readErr != nil {
		return nil, fmt.Errorf("adapter: reading captured stdout for %s: %w", ac.Track, readErr)
	}

	text := string(raw)
	if block, ok := extractEnvelopeBlock(text); ok {
		text = block
	}

	return &Output{
		RawText:  text,
		Duration: time.Duration(result.ElapsedMS) * time.Millisecond,
		ExitCode: result.ExitCode,
		TimedOut: result.TimedOut,
	}, nil
}

// extractEnvelopeBlock prefers a fenced ```json block if present, since
// agents reliably wrap structured output that way; ValidateIteration's
// salvage pass is the fallback for anything looser.
func extractEnvelopeBlock(text string) (string, bool) {
	const open = "```json"
	start := strings.LastIndex(text, open)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// claudeArgs and geminiArgs receive the literal prompt text and pass it as a
// real argument — shellQuote below makes it safe inside the "sh -c" wrapper,
// no shell expansion involved.
func claudeArgs(model, prompt string) []string {
	return []string{"-p", prompt, "--model", model, "--output-format", "text"}
}

// codexArgs ignores prompt: the cliAdapter registers codex with useStdin,
// so the prompt is piped to the subprocess's stdin instead of passed as an
// argument.
func codexArgs(model, prompt string) []string {
	return []string{"exec", "--model", model}
}

func geminiArgs(model, prompt string) []string {
	return []string{"-m", model, "-p", prompt}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"$`\\") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
