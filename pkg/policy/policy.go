// Package policy evaluates CEL expressions over capability grant requests.
// Rules act fail-closed: a grant is admitted only when every rule evaluates
// to true.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/keel/pkg/capability"
)

// CELGrantPolicy implements capability.GrantPolicy using CEL with a program
// cache.
type CELGrantPolicy struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
	rules []string
}

// DefaultRules is the system policy applied to every grant.
var DefaultRules = []string{
	// A tenant binding is mandatory on every capability.
	`grant.tenant_id != ""`,
	// Resource paths are rooted; no relative escapes.
	`!grant.resource_path.contains("..")`,
	// The audit log is never writable and executable at once: log writers
	// cannot also truncate.
	`!(grant.resource_type == "audit_log" && grant.rights.write && grant.rights.execute)`,
}

// NewCELGrantPolicy compiles an evaluator for the given rules. Nil rules
// install DefaultRules.
func NewCELGrantPolicy(rules []string) (*CELGrantPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("grant", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	if rules == nil {
		rules = DefaultRules
	}
	return &CELGrantPolicy{
		env:   env,
		cache: make(map[string]cel.Program),
		rules: rules,
	}, nil
}

// Admit implements capability.GrantPolicy.
func (p *CELGrantPolicy) Admit(cap capability.Capability) error {
	input := map[string]any{
		"grant": map[string]any{
			"resource_type": string(cap.ResourceType),
			"resource_path": cap.ResourcePath,
			"tenant_id":     cap.TenantID,
			"holder_pid":    int64(cap.HolderPID),
			"delegable":     cap.Flags.Delegable,
			"rights": map[string]any{
				"read":    cap.Rights.Read,
				"write":   cap.Rights.Write,
				"execute": cap.Rights.Execute,
			},
		},
	}

	for i, rule := range p.rules {
		allowed, err := p.evaluate(rule, input)
		if err != nil {
			return fmt.Errorf("grant policy error (rule %d): %w", i, err)
		}
		if !allowed {
			return fmt.Errorf("grant policy denied capability over %s:%s (rule %d)",
				cap.ResourceType, cap.ResourcePath, i)
		}
	}
	return nil
}

func (p *CELGrantPolicy) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := p.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule did not evaluate to bool: %q", expr)
	}
	return allowed, nil
}

func (p *CELGrantPolicy) program(expr string) (cel.Program, error) {
	p.mu.RLock()
	prg, ok := p.cache[expr]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := p.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %q: %w", expr, issues.Err())
	}
	prg, err := p.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program rule %q: %w", expr, err)
	}

	p.mu.Lock()
	p.cache[expr] = prg
	p.mu.Unlock()
	return prg, nil
}
