// Package fraud gates milestone releases with blacklist, cap, freeze and
// violation checks, plus operator-configured CEL screens.
package fraud

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/openmotor/kestrel/internal/domain"
)

// ScreenEngine compiles and evaluates operator-configured screen rules.
// A screen that evaluates to true freezes the record for manual review;
// screens can never release or reject on their own.
type ScreenEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledScreen
}

type compiledScreen struct {
	rule    *domain.ScreenRule
	program cel.Program
}

// NewScreenEngine creates the screen evaluation engine.
func NewScreenEngine() (*ScreenEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("stage", cel.StringType),
		cel.Variable("level", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("compliance_rate", cel.DoubleType),
		cel.Variable("complaint_rate", cel.DoubleType),
		cel.Variable("violation_level", cel.IntType),
		cel.Variable("released_in_window", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ScreenEngine{
		env:      env,
		compiled: make(map[string]*compiledScreen),
	}, nil
}

// ValidateRule compiles a screen rule without loading it.
func (e *ScreenEngine) ValidateRule(rule *domain.ScreenRule) error {
	if rule == nil {
		return fmt.Errorf("screen rule is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(rule)
	return err
}

// LoadRule compiles and loads a screen rule into the engine.
func (e *ScreenEngine) LoadRule(rule *domain.ScreenRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(rule)
	if err != nil {
		return err
	}
	e.compiled[rule.ID] = compiled
	return nil
}

// ReloadRules swaps the loaded set for a fresh one. Used for hot reload
// after screen rules change in the store.
func (e *ScreenEngine) ReloadRules(rules []*domain.ScreenRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledScreen)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		compiled, err := e.compile(rule)
		if err != nil {
			return err
		}
		next[rule.ID] = compiled
	}

	e.compiled = next
	return nil
}

// RulesCount returns the number of loaded screens.
func (e *ScreenEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedRules returns the currently loaded screen rules.
func (e *ScreenEngine) LoadedRules() []*domain.ScreenRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.ScreenRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c.rule)
	}
	return rules
}

// Evaluate runs every loaded screen against the activation and returns the
// first triggered screen, or nil when none fire. An evaluation error on a
// single screen is treated as not triggered; a broken screen must not block
// every release.
func (e *ScreenEngine) Evaluate(activation map[string]any) *domain.ScreenRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, c := range e.compiled {
		out, _, err := c.program.Eval(activation)
		if err != nil {
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			return c.rule
		}
	}
	return nil
}

// Close clears the loaded screens.
func (e *ScreenEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*compiledScreen)
	return nil
}

func (e *ScreenEngine) compile(rule *domain.ScreenRule) (*compiledScreen, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile screen %s: %w", rule.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("screen %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for screen %s: %w", rule.ID, err)
	}

	return &compiledScreen{rule: rule, program: program}, nil
}
