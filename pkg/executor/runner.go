package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/mu-ops/mu/pkg/contracts"
)

// StderrLimit bounds captured stderr; stdout is captured raw.
const StderrLimit = 8 * 1024

// Runner executes a validated plan and reports the outcome as a
// CommandResult plus a taxonomy code (empty on success).
type Runner interface {
	Run(ctx context.Context, plan *Plan) (*contracts.CommandResult, contracts.ErrorCode)
}

// ExecRunner spawns the local CLI. A context deadline produces cli_timeout;
// a failure to start the process produces cli_spawn_failed; a non-zero exit
// produces cli_nonzero. When the CLI reports an api_version in its JSON
// output, it is checked against the compatible range and mismatches produce
// command_api_mismatch.
type ExecRunner struct {
	apiRange  *semver.Constraints
	WaitDelay time.Duration // grace between soft and hard kill
}

// CompatibleAPIRange is the CLI JSON output versions this surface speaks.
const CompatibleAPIRange = "^1"

// NewExecRunner builds the default runner.
func NewExecRunner() *ExecRunner {
	c, err := semver.NewConstraint(CompatibleAPIRange)
	if err != nil {
		panic(err) // constant range, cannot fail
	}
	return &ExecRunner{apiRange: c, WaitDelay: 3 * time.Second}
}

type truncatingBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *truncatingBuffer) Write(p []byte) (int, error) {
	remaining := t.limit - t.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			t.buf.Write(p[:remaining])
		} else {
			t.buf.Write(p)
		}
	}
	return len(p), nil
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, plan *Plan) (*contracts.CommandResult, contracts.ErrorCode) {
	cmd := exec.CommandContext(ctx, plan.Argv[0], plan.Argv[1:]...)
	var stdout bytes.Buffer
	stderr := &truncatingBuffer{limit: StderrLimit}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	if r.WaitDelay > 0 {
		// CommandContext sends the soft kill on deadline; WaitDelay bounds
		// how long we wait before the hard kill.
		cmd.WaitDelay = r.WaitDelay
	}

	err := cmd.Run()
	result := &contracts.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.buf.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.ExitCode = -1
		return result, contracts.ErrCLITimeout
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, contracts.ErrCLINonzero
		}
		result.ExitCode = -1
		result.Message = err.Error()
		return result, contracts.ErrCLISpawnFailed
	}

	if code := r.checkAPIVersion(stdout.Bytes()); code != "" {
		return result, code
	}
	return result, ""
}

// checkAPIVersion inspects the CLI's JSON output for an api_version field
// and validates it against the compatible range. Output that is not JSON or
// carries no version passes.
func (r *ExecRunner) checkAPIVersion(stdout []byte) contracts.ErrorCode {
	var probe struct {
		APIVersion string `json:"api_version"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &probe); err != nil || probe.APIVersion == "" {
		return ""
	}
	v, err := semver.NewVersion(probe.APIVersion)
	if err != nil {
		return contracts.ErrCommandAPIMismatch
	}
	if !r.apiRange.Check(v) {
		return contracts.ErrCommandAPIMismatch
	}
	return ""
}
