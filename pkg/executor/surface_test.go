package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/contracts"
)

func TestBuild_OperatorModelSetArgv(t *testing.T) {
	s := NewSurface()
	res := s.Build("operator_model_set", []string{"openai-codex", "gpt-5.3-codex", "high"})
	require.Equal(t, BuildOK, res.Kind)
	assert.Equal(t, []string{"mu", "control", "operator", "set", "openai-codex", "gpt-5.3-codex", "high", "--json"}, res.Plan.Argv)
	assert.True(t, res.Plan.Mutating)
}

func TestBuild_UnknownKindSkips(t *testing.T) {
	s := NewSurface()
	res := s.Build("rm_rf", nil)
	assert.Equal(t, BuildSkip, res.Kind)
}

func TestBuild_RejectsFreeFlags(t *testing.T) {
	s := NewSurface()
	res := s.Build("run_status", []string{"--raw-stream"})
	require.Equal(t, BuildReject, res.Kind)
	assert.Equal(t, contracts.ErrCLIValidationFailed, res.Reason)
}

func TestBuild_RejectsArity(t *testing.T) {
	s := NewSurface()
	res := s.Build("issue_close", nil)
	require.Equal(t, BuildReject, res.Kind)
	assert.Equal(t, contracts.ErrCLIValidationFailed, res.Reason)
}

func TestValidateTarget(t *testing.T) {
	cases := []struct {
		class TargetClass
		value string
		ok    bool
	}{
		{TargetIssue, "mu-abc-123", true},
		{TargetIssue, "mu-", false},
		{TargetIssue, "MU-abc", false},
		{TargetIssue, "issue-1", false},
		{TargetTopic, "design/api:v2", true},
		{TargetTopic, "-leading", false},
		{TargetTopic, "", false},
		{TargetGeneric, "run_1", false}, // underscore not in class
		{TargetGeneric, "run:1@host", true},
		{TargetGeneric, "-x", false},
	}
	for _, tc := range cases {
		err := ValidateTarget(tc.class, tc.value)
		if tc.ok {
			assert.NoError(t, err, "%s %q", tc.class, tc.value)
		} else {
			assert.Error(t, err, "%s %q", tc.class, tc.value)
		}
	}
}

func TestBuild_ReadCommandsNotMutating(t *testing.T) {
	s := NewSurface()
	res := s.Build("status", nil)
	require.Equal(t, BuildOK, res.Kind)
	assert.False(t, res.Plan.Mutating)
	assert.Equal(t, []string{"mu", "status", "--json"}, res.Plan.Argv)
}
