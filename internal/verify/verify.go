// Package verify implements the Verifier: deterministic execution of a
// declared verification contract against a track's worktree, producing a
// PASS/FAIL artifact and a structured per-command record.
//
// Grounded on the Command Runner (internal/runner) for subprocess execution
// and the teacher's internal/state/atomic.go write-then-rename idiom for
// every artifact this package emits.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/anvilforge/anvil/internal/config"
	"github.com/anvilforge/anvil/internal/runner"
	"github.com/anvilforge/anvil/internal/store"
)

// CommandRecord is one executed verification command's outcome.
type CommandRecord struct {
	Name        string `json:"name"`
	ExitCode    int    `json:"exit_code"`
	ElapsedMS   int64  `json:"elapsed_ms"`
	StdoutBytes int64  `json:"stdout_bytes"`
	StderrBytes int64  `json:"stderr_bytes"`
	LogPath     string `json:"log_path"`
	TimedOut    bool   `json:"timed_out"`
}

// Result is the overall outcome of one verification run.
type Result struct {
	Pass     bool            `json:"pass"`
	Commands []CommandRecord `json:"commands"`
}

// noTestsCollectedPhrases are the configurable set of phrases that indicate
// a command reported green only because nothing ran.
var noTestsCollectedPhrases = []string{
	"no tests ran",
	"0 passed",
	"collected 0 items",
	"no test files",
}

var safeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(name string) string {
	s := safeNameRe.ReplaceAllString(name, "-")
	if s == "" {
		return "cmd"
	}
	return s
}

// Run executes every command in contract against workDir, writing
// verify.commands.json and VERIFY.md under relDir in s, plus one captured
// log file per command under relDir/logs. Overall result is PASS iff every
// required command exits 0 and at least one command shows evidence of
// actual execution.
func Run(ctx context.Context, s *store.Store, relDir, workDir string, contract *config.VerifyContract, timeout time.Duration) (*Result, error) {
	absLogsDir, err := s.Path(filepath.Join(relDir, "logs"))
	if err != nil {
		return nil, err
	}
	if err := s.Mkdirs(filepath.Join(relDir, "logs")); err != nil {
		return nil, fmt.Errorf("verify: preparing logs dir: %w", err)
	}

	var records []CommandRecord
	pass := true
	sawExecution := false

	for _, c := range contract.Commands {
		cmdTimeout := timeout
		if c.TimeoutS > 0 {
			cmdTimeout = time.Duration(c.TimeoutS) * time.Second
		}
		logName := fmt.Sprintf("verify.%s.log", safeName(c.Name))
		logPath := filepath.Join(absLogsDir, logName)

		res, runErr := runner.Run(ctx, runner.Spec{
			Command:    c.Cmd,
			Dir:        workDir,
			Timeout:    cmdTimeout,
			StdoutPath: logPath,
			StderrPath: logPath + ".stderr",
		})
		if runErr != nil {
			return nil, fmt.Errorf("verify: running %q: %w", c.Name, runErr)
		}

		rec := CommandRecord{
			Name:        c.Name,
			ExitCode:    res.ExitCode,
			ElapsedMS:   res.ElapsedMS,
			StdoutBytes: res.StdoutBytes,
			StderrBytes: res.StderrBytes,
			LogPath:     filepath.Join(relDir, "logs", logName),
			TimedOut:    res.TimedOut,
		}
		records = append(records, rec)

		passed := res.ExitCode == 0 && !res.TimedOut
		if c.Required && !passed {
			pass = false
		}

		if passed {
			outData, _ := s.Read(rec.LogPath)
			if !looksLikeNoTestsCollected(string(outData)) {
				sawExecution = true
			}
		}
	}

	if !sawExecution {
		pass = false
	}

	result := &Result{Pass: pass, Commands: records}

	recordsJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("verify: marshaling commands record: %w", err)
	}
	if err := s.Write(filepath.Join(relDir, "verify.commands.json"), recordsJSON); err != nil {
		return nil, fmt.Errorf("verify: writing verify.commands.json: %w", err)
	}

	token := "FAIL"
	if pass {
		token = "PASS"
	}
	md := renderVerifyMD(token, records)
	if err := s.Write(filepath.Join(relDir, "VERIFY.md"), []byte(md)); err != nil {
		return nil, fmt.Errorf("verify: writing VERIFY.md: %w", err)
	}

	return result, nil
}

// looksLikeNoTestsCollected reports whether output contains one of the
// phrases not directly preceded by a digit, so "10 passed" is not read as
// "0 passed".
func looksLikeNoTestsCollected(output string) bool {
	lower := strings.ToLower(output)
	for _, phrase := range noTestsCollectedPhrases {
		from := 0
		for {
			i := strings.Index(lower[from:], phrase)
			if i < 0 {
				break
			}
			i += from
			if i == 0 || lower[i-1] < '0' || lower[i-1] > '9' {
				return true
			}
			from = i + 1
		}
	}
	return false
}

func renderVerifyMD(token string, records []CommandRecord) string {
	var b strings.Builder
	b.WriteString(token)
	b.WriteString("\n\n")
	for _, r := range records {
		status := "ok"
		if r.TimedOut {
			status = "timed out"
		} else if r.ExitCode != 0 {
			status = "failed"
		}
		fmt.Fprintf(&b, "- %s: exit %d (%s), %dms, log: %s\n", r.Name, r.ExitCode, status, r.ElapsedMS, r.LogPath)
	}
	return b.String()
}
