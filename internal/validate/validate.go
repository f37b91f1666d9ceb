// Package validate implements the Schema Validator: a lenient salvage pass
// followed by strict validation of the iteration envelope every agent
// process must produce.
//
// The salvage-then-validate split is grounded on the teacher's
// internal/fileblocks/parse.go (line-scanning extraction of fenced blocks
// from free-form LLM output), adapted here to balanced-brace scanning for
// JSON instead of fence markers. Strict validation uses
// santhosh-tekuri/jsonschema/v6 the way strawgate-gh-aw/pkg/parser's
// schema_compiler.go does: compile once behind sync.Once, reuse the
// compiled *jsonschema.Schema across every ValidateIteration call.
package validate

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var envelopeSchemaJSON string

const schemaURL = "https://anvilforge.dev/schemas/iteration-envelope.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func getCompiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(envelopeSchemaJSON), &doc); err != nil {
			compileErr = fmt.Errorf("validate: parsing embedded schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, doc); err != nil {
			compileErr = fmt.Errorf("validate: registering schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile(schemaURL)
		if err != nil {
			compileErr = fmt.Errorf("validate: compiling schema: %w", err)
			return
		}
		compiledSchema = schema
	})
	return compiledSchema, compileErr
}

// StatusSignal is the sum type an agent reports at the end of an iteration.
type StatusSignal string

const (
	StatusContinue      StatusSignal = "CONTINUE"
	StatusSkipToVerify  StatusSignal = "SKIP_TO_VERIFY"
	StatusNeedsMoreWork StatusSignal = "NEEDS_MORE_WORK"
	StatusDone          StatusSignal = "DONE"
	StatusBlocked       StatusSignal = "BLOCKED"
)

// Envelope is the required per-iteration artifact produced by an agent.
//
// Experiments and ProposedChanges are free-form records (an agent may emit
// either a bare string or an object like {"file": "...", "diff": "..."})
// per spec, so they decode as []any; Observations is specified as short
// strings and stays strongly typed.
type Envelope struct {
	Hypothesis      string       `json:"hypothesis"`
	Experiments     []any        `json:"experiments,omitempty"`
	ProposedChanges []any        `json:"proposed_changes,omitempty"`
	Confidence      float64      `json:"confidence"`
	StatusSignal    StatusSignal `json:"status_signal"`
	Observations    []string     `json:"observations,omitempty"`
	PatchPresent    bool         `json:"patch_present,omitempty"`
}

// ValidationError wraps a schema or salvage failure with the raw text that
// failed to validate, so callers can preserve it for the disqualification
// record without re-deriving it.
type ValidationError struct {
	Raw string
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ValidateIteration runs the salvage pass, then strict schema validation,
// against raw agent output. It never mutates a document that already
// validates; the salvage pass only runs when direct unmarshaling fails.
func ValidateIteration(raw string) (*Envelope, error) {
	candidate := raw
	var doc any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		salvaged, salvageErr := salvage(raw)
		if salvageErr != nil {
			return nil, &ValidationError{Raw: raw, Err: salvageErr}
		}
		candidate = salvaged
		if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
			return nil, &ValidationError{Raw: raw, Err: fmt.Errorf("salvaged document still invalid JSON: %w", err)}
		}
	}

	schema, err := getCompiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &ValidationError{Raw: raw, Err: err}
	}

	var env Envelope
	if err := json.Unmarshal([]byte(candidate), &env); err != nil {
		return nil, &ValidationError{Raw: raw, Err: fmt.Errorf("decoding validated envelope: %w", err)}
	}
	return &env, nil
}

// salvage extracts the largest balanced {...} block from text and repairs
// the two most common near-miss mistakes agents make: trailing commas
// before a closing bracket, and unquoted object keys.
func salvage(text string) (string, error) {
	block, err := largestBalancedObject(text)
	if err != nil {
		return "", err
	}
	block = stripTrailingCommas(block)
	block = quoteBareKeys(block)
	return block, nil
}

// largestBalancedObject scans for the outermost {...} span with balanced
// braces, tracking string literals so braces inside quoted values don't
// confuse the depth counter.
func largestBalancedObject(text string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	bestStart, bestEnd := -1, -1

	for i, r := range text {
		if inString {
			if escaped {
				escaped = false
			} else if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					if bestEnd-bestStart < i-start {
						bestStart, bestEnd = start, i
					}
				}
			}
		}
	}

	if bestStart < 0 {
		return "", fmt.Errorf("no balanced JSON object found in output")
	}
	return text[bestStart : bestEnd+1], nil
}

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaRe.ReplaceAllString(s, "$1")
}

var bareKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

func quoteBareKeys(s string) string {
	return bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
}

// unifiedDiffRe matches a fenced ```diff / ```patch block, mirroring the
// teacher's fenced-block convention in internal/fileblocks but keyed on the
// diff/patch language tag instead of a file= annotation.
var unifiedDiffRe = regexp.MustCompile("(?s)```(?:diff|patch)\\s*\\n(.*?)\\n```")

// ExtractPatch pulls the first fenced diff/patch block out of raw agent
// output, or a bare "--- a/" ... unified diff if no fence is present.
func ExtractPatch(raw string) (string, bool) {
	if m := unifiedDiffRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimRight(m[1], "\n") + "\n", true
	}
	idx := strings.Index(raw, "--- a/")
	if idx < 0 {
		idx = strings.Index(raw, "--- /dev/null")
	}
	if idx < 0 {
		return "", false
	}
	return strings.TrimRight(raw[idx:], "\n") + "\n", true
}
