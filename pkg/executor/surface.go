// Package executor defines the allowlisted CLI command surface: the mapping
// from command kinds to deterministic argv plans, argument validation, and
// the subprocess runner that executes plans under a deadline.
package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mu-ops/mu/pkg/contracts"
)

// TargetClass selects the validation pattern for a command's target argument.
type TargetClass string

const (
	TargetNone    TargetClass = ""
	TargetIssue   TargetClass = "issue"
	TargetTopic   TargetClass = "topic"
	TargetGeneric TargetClass = "generic"
)

var (
	issueIDPattern = regexp.MustCompile(`^mu-[a-z0-9][a-z0-9-]*$`)
	topicPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,199}$`)
	genericPattern = regexp.MustCompile(`^[A-Za-z0-9._:@/-]{1,200}$`)
)

// Spec is one allowlisted command: its argv template, scope, and risk class.
type Spec struct {
	Kind     string
	Argv     []string
	Mutating bool
	Scope    string
	Target   TargetClass
	MinArgs  int
	MaxArgs  int
}

// Plan is a validated, deterministic invocation.
type Plan struct {
	CommandKind string   `json:"command_kind"`
	Argv        []string `json:"argv"`
	Mutating    bool     `json:"mutating"`
}

// BuildKind discriminates the result of a plan build.
type BuildKind string

const (
	BuildOK     BuildKind = "ok"
	BuildReject BuildKind = "reject"
	BuildSkip   BuildKind = "skip"
)

// BuildResult is the closed union returned by Surface.Build.
type BuildResult struct {
	Kind    BuildKind
	Plan    *Plan
	Reason  contracts.ErrorCode
	Details string
}

// Surface is the allowlist table.
type Surface struct {
	specs map[string]Spec
}

// defaultSpecs is the full command surface. Argv templates never include
// --json; Build appends it so every invocation produces machine output.
var defaultSpecs = []Spec{
	{Kind: "run_start", Argv: []string{"mu", "run", "start"}, Mutating: true, Scope: "cp.run", Target: TargetIssue, MinArgs: 1, MaxArgs: 1},
	{Kind: "run_resume", Argv: []string{"mu", "run", "resume"}, Mutating: true, Scope: "cp.run", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},
	{Kind: "run_list", Argv: []string{"mu", "run", "list"}, Scope: "cp.read"},
	{Kind: "run_status", Argv: []string{"mu", "run", "status"}, Scope: "cp.read", Target: TargetGeneric, MaxArgs: 1},
	{Kind: "run_interrupt", Argv: []string{"mu", "run", "interrupt"}, Mutating: true, Scope: "cp.run", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},

	{Kind: "operator_model_set", Argv: []string{"mu", "control", "operator", "set"}, Mutating: true, Scope: "cp.ops.admin", MinArgs: 2, MaxArgs: 3},
	{Kind: "operator_thinking_set", Argv: []string{"mu", "control", "operator", "thinking-set"}, Mutating: true, Scope: "cp.ops.admin", MinArgs: 1, MaxArgs: 1},
	{Kind: "operator_model_list", Argv: []string{"mu", "control", "operator", "list"}, Scope: "cp.read"},
	{Kind: "operator_model_get", Argv: []string{"mu", "control", "operator", "get"}, Scope: "cp.read"},
	{Kind: "operator_thinking_list", Argv: []string{"mu", "control", "operator", "thinking", "list"}, Scope: "cp.read"},

	{Kind: "status", Argv: []string{"mu", "status"}, Scope: "cp.read"},

	{Kind: "issue_close", Argv: []string{"mu", "issue", "close"}, Mutating: true, Scope: "cp.write", Target: TargetIssue, MinArgs: 1, MaxArgs: 2},
	{Kind: "issue_update", Argv: []string{"mu", "issue", "update"}, Mutating: true, Scope: "cp.write", Target: TargetIssue, MinArgs: 2, MaxArgs: 8},
	{Kind: "issue_claim", Argv: []string{"mu", "issue", "claim"}, Mutating: true, Scope: "cp.write", Target: TargetIssue, MinArgs: 1, MaxArgs: 1},
	{Kind: "issue_get", Argv: []string{"mu", "issue", "get"}, Scope: "cp.read", Target: TargetIssue, MinArgs: 1, MaxArgs: 1},

	{Kind: "forum_read", Argv: []string{"mu", "forum", "read"}, Scope: "cp.read", Target: TargetTopic, MinArgs: 1, MaxArgs: 1},
	{Kind: "forum_post", Argv: []string{"mu", "forum", "post"}, Mutating: true, Scope: "cp.write", Target: TargetTopic, MinArgs: 2, MaxArgs: 2},

	{Kind: "session_turn", Argv: []string{"mu", "session", "turn"}, Mutating: true, Scope: "cp.session", MinArgs: 2, MaxArgs: 2},
	{Kind: "session_flash_create", Argv: []string{"mu", "session", "flash", "create"}, Mutating: true, Scope: "cp.session", MinArgs: 2, MaxArgs: 3},

	{Kind: "cron_create", Argv: []string{"mu", "cron", "create"}, Mutating: true, Scope: "cp.ops.admin", MinArgs: 2, MaxArgs: 4},
	{Kind: "cron_update", Argv: []string{"mu", "cron", "update"}, Mutating: true, Scope: "cp.ops.admin", Target: TargetGeneric, MinArgs: 2, MaxArgs: 4},
	{Kind: "cron_delete", Argv: []string{"mu", "cron", "delete"}, Mutating: true, Scope: "cp.ops.admin", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},
	{Kind: "cron_trigger", Argv: []string{"mu", "cron", "trigger"}, Mutating: true, Scope: "cp.ops.admin", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},

	{Kind: "heartbeat_create", Argv: []string{"mu", "heartbeat", "create"}, Mutating: true, Scope: "cp.ops.admin", MinArgs: 2, MaxArgs: 4},
	{Kind: "heartbeat_update", Argv: []string{"mu", "heartbeat", "update"}, Mutating: true, Scope: "cp.ops.admin", Target: TargetGeneric, MinArgs: 2, MaxArgs: 4},
	{Kind: "heartbeat_delete", Argv: []string{"mu", "heartbeat", "delete"}, Mutating: true, Scope: "cp.ops.admin", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},
	{Kind: "heartbeat_trigger", Argv: []string{"mu", "heartbeat", "trigger"}, Mutating: true, Scope: "cp.ops.admin", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},

	{Kind: "audit_get", Argv: []string{"mu", "audit", "get"}, Scope: "cp.read", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},

	{Kind: "dlq_inspect", Argv: []string{"mu", "dlq", "inspect"}, Scope: "cp.ops.admin", Target: TargetGeneric, MaxArgs: 1},
	{Kind: "dlq_replay", Argv: []string{"mu", "dlq", "replay"}, Mutating: true, Scope: "cp.ops.admin", Target: TargetGeneric, MinArgs: 1, MaxArgs: 1},
}

// NewSurface builds the default allowlist.
func NewSurface() *Surface {
	s := &Surface{specs: make(map[string]Spec, len(defaultSpecs))}
	for _, spec := range defaultSpecs {
		s.specs[spec.Kind] = spec
	}
	return s
}

// Lookup returns the spec for a command kind.
func (s *Surface) Lookup(kind string) (Spec, bool) {
	spec, ok := s.specs[kind]
	return spec, ok
}

// Build validates args against the allowlist and produces a deterministic
// argv plan. Unknown kinds skip; invalid arguments reject with
// cli_validation_failed. Flag-looking args are always rejected so callers
// can never smuggle options like --raw-stream into the CLI.
func (s *Surface) Build(kind string, args []string) BuildResult {
	spec, ok := s.specs[kind]
	if !ok {
		return BuildResult{Kind: BuildSkip}
	}

	if len(args) < spec.MinArgs || (spec.MaxArgs > 0 && len(args) > spec.MaxArgs) {
		return BuildResult{
			Kind:    BuildReject,
			Reason:  contracts.ErrCLIValidationFailed,
			Details: fmt.Sprintf("%s expects between %d and %d args, got %d", kind, spec.MinArgs, spec.MaxArgs, len(args)),
		}
	}

	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			return BuildResult{
				Kind:    BuildReject,
				Reason:  contracts.ErrCLIValidationFailed,
				Details: fmt.Sprintf("flag argument %q is not allowed", a),
			}
		}
	}

	if spec.Target != TargetNone && len(args) > 0 {
		if err := ValidateTarget(spec.Target, args[0]); err != nil {
			return BuildResult{
				Kind:    BuildReject,
				Reason:  contracts.ErrCLIValidationFailed,
				Details: err.Error(),
			}
		}
	}

	argv := make([]string, 0, len(spec.Argv)+len(args)+1)
	argv = append(argv, spec.Argv...)
	argv = append(argv, args...)
	argv = append(argv, "--json")
	return BuildResult{
		Kind: BuildOK,
		Plan: &Plan{CommandKind: kind, Argv: argv, Mutating: spec.Mutating},
	}
}

// ValidateTarget checks a target argument against its class pattern.
func ValidateTarget(class TargetClass, target string) error {
	switch class {
	case TargetIssue:
		if !issueIDPattern.MatchString(target) {
			return fmt.Errorf("invalid issue id %q", target)
		}
	case TargetTopic:
		if !topicPattern.MatchString(target) {
			return fmt.Errorf("invalid forum topic %q", target)
		}
	case TargetGeneric:
		if strings.HasPrefix(target, "-") || !genericPattern.MatchString(target) {
			return fmt.Errorf("invalid target %q", target)
		}
	}
	return nil
}
