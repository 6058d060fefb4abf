// Package policy decides allow/deny and confirmation requirements for a
// resolved command. The core decision is a pure function over
// (command kind, scopes, tier); deployments may layer CEL guard
// expressions on top, evaluated fail-closed.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mu-ops/mu/pkg/contracts"
)

// Decision is the policy verdict for one command.
type Decision struct {
	Allowed              bool
	Reason               contracts.ErrorCode
	ScopeRequired        string
	RequiresConfirmation bool
	GuardID              string // guard that denied, if any
}

// Engine evaluates the scope table plus optional CEL guards.
type Engine struct {
	mu     sync.RWMutex
	env    *cel.Env
	guards map[string]cel.Program
	source map[string]string
}

// NewEngine initializes the CEL environment for guard expressions.
// Available variables: command_kind, mutating, tier, scopes.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("command_kind", cel.StringType),
		cel.Variable("mutating", cel.BoolType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("scopes", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}
	return &Engine{
		env:    env,
		guards: make(map[string]cel.Program),
		source: make(map[string]string),
	}, nil
}

// LoadGuard compiles and registers a guard expression. A guard that
// evaluates to anything but true denies the command.
func (e *Engine) LoadGuard(guardID, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: guard %s compilation failed: %w", guardID, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: guard %s program failed: %w", guardID, err)
	}
	e.guards[guardID] = prg
	e.source[guardID] = source
	return nil
}

// Guards returns a copy of the loaded guard sources (ID -> CEL source).
func (e *Engine) Guards() map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.source))
	for k, v := range e.source {
		out[k] = v
	}
	return out
}

// Decide computes the verdict for a command of the given kind. mutating and
// scopeRequired come from the CLI surface allowlist. Mutating commands at
// tier_b or below require confirmation before execution.
func (e *Engine) Decide(kind string, mutating bool, scopeRequired string, binding *contracts.IdentityBinding) Decision {
	d := Decision{ScopeRequired: scopeRequired}

	if scopeRequired != "" && !binding.HasScope(scopeRequired) {
		d.Reason = contracts.ErrMissingScope
		return d
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	input := map[string]interface{}{
		"command_kind": kind,
		"mutating":     mutating,
		"tier":         string(binding.AssuranceTier),
		"scopes":       binding.Scopes,
	}
	for id, prg := range e.guards {
		out, _, err := prg.Eval(input)
		if err != nil {
			// Fail closed on evaluation errors.
			d.Reason = contracts.ErrContextUnauthorized
			d.GuardID = id
			return d
		}
		if allowed, ok := out.Value().(bool); !ok || !allowed {
			d.Reason = contracts.ErrContextUnauthorized
			d.GuardID = id
			return d
		}
	}

	d.Allowed = true
	d.RequiresConfirmation = mutating && binding.AssuranceTier != contracts.TierA
	return d
}
