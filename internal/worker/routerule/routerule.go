// Package routerule compiles operator-supplied CEL expressions that override
// the router's default lane classification. A rule that evaluates true forces
// the matching request into the passthrough lane, keeping it away from both
// the cache and the upstream forwarder.
package routerule

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Definition is a named CEL expression sourced from configuration.
type Definition struct {
	Name       string
	Expression string
}

// Rule is a compiled route override.
type Rule struct {
	name    string
	source  string
	program cel.Program
}

// Name returns the rule's configured name, or its expression when unnamed.
func (r Rule) Name() string {
	if r.name != "" {
		return r.name
	}
	return r.source
}

func newEnvironment() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("scheme", cel.StringType),
		cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("routerule: build environment: %w", err)
	}
	return env, nil
}

// Compile turns definitions into executable rules, rejecting any expression
// that does not yield a boolean.
func Compile(defs []Definition) ([]Rule, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	env, err := newEnvironment()
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(defs))
	for _, def := range defs {
		source := strings.TrimSpace(def.Expression)
		if source == "" {
			return nil, fmt.Errorf("routerule: rule %q has an empty expression", def.Name)
		}
		ast, issues := env.Compile(source)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("routerule: compile %q: %w", source, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("routerule: %q must yield a boolean, got %s", source, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("routerule: program %q: %w", source, err)
		}
		rules = append(rules, Rule{name: def.Name, source: source, program: program})
	}
	return rules, nil
}

// Matches evaluates the rule against a request.
func (r Rule) Matches(req *http.Request) (bool, error) {
	if r.program == nil {
		return false, fmt.Errorf("routerule: rule not compiled")
	}
	val, _, err := r.program.Eval(activation(req))
	if err != nil {
		return false, fmt.Errorf("routerule: eval %q: %w", r.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("routerule: %q yielded non-bool result %T", r.source, val)
}

func activation(req *http.Request) map[string]any {
	headers := make(map[string]string, len(req.Header))
	for name := range req.Header {
		headers[strings.ToLower(name)] = req.Header.Get(name)
	}
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	return map[string]any{
		"method": req.Method,
		"path":   req.URL.Path,
		"host":   host,
		"scheme": scheme,
		"header": headers,
	}
}
