package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/concord-mesh/concord/pkg/canonicalize"
)

// CELEngine evaluates policy paths with in-process CEL programs. It serves
// air-gapped deployments and tests where no remote engine is reachable.
// A path with no loaded program denies (fail-closed); there is no
// fail-open variant for the in-process backend.
type CELEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[Path]cel.Program
	sources  map[Path]string
}

// NewCELEngine initializes the CEL environment with the standard policy
// input variables.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("principal", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("tenant", types.StringType),
			decls.NewVariable("message", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("context", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL env: %w", err)
	}
	return &CELEngine{
		env:      env,
		programs: make(map[Path]cel.Program),
		sources:  make(map[Path]string),
	}, nil
}

// Backend returns the backend identifier.
func (e *CELEngine) Backend() string { return "cel" }

// LoadPath compiles and registers the program for a policy path. The
// expression must evaluate to a boolean: true allows.
func (e *CELEngine) LoadPath(path Path, source string) error {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: compile %s: %w", path, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: program %s: %w", path, err)
	}

	e.mu.Lock()
	e.programs[path] = prg
	e.sources[path] = source
	e.mu.Unlock()
	return nil
}

// PolicyHash returns a content hash over the loaded policy sources.
func (e *CELEngine) PolicyHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, err := canonicalize.Hash(e.sources)
	if err != nil {
		return ""
	}
	return "sha256:" + h
}

// Evaluate runs the program registered for the request path. Default deny.
func (e *CELEngine) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	e.mu.RLock()
	prg, ok := e.programs[req.Path]
	e.mu.RUnlock()

	decision := &Decision{Allow: false, PolicyRef: e.PolicyHash()}
	if !ok {
		decision.Violations = []string{fmt.Sprintf("no policy loaded for path %s", req.Path)}
		return e.hashed(decision), nil
	}

	msg := req.Message
	if msg == nil {
		msg = map[string]any{}
	}
	extra := req.Context
	if extra == nil {
		extra = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{
		"principal": req.Principal,
		"action":    req.Action,
		"tenant":    req.TenantID,
		"message":   msg,
		"context":   extra,
	})
	if err != nil {
		decision.Violations = []string{fmt.Sprintf("evaluation error: %v", err)}
		return e.hashed(decision), nil // fail closed
	}

	if allowed, ok := out.Value().(bool); ok && allowed {
		decision.Allow = true
	} else {
		decision.Violations = []string{fmt.Sprintf("denied by %s policy", req.Path)}
	}
	return e.hashed(decision), nil
}

func (e *CELEngine) hashed(d *Decision) *Decision {
	if h, err := ComputeDecisionHash(d); err == nil {
		d.DecisionHash = h
	}
	return d
}
