package routing

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/concord-mesh/concord/pkg/contracts"
)

// ForcedPredicates holds operator-supplied CEL expressions evaluated
// against every message; any predicate returning true forces the message
// off the fast lane. Predicates are compiled once at load time and
// immutable afterwards.
type ForcedPredicates struct {
	env      *cel.Env
	programs []cel.Program
	sources  []string
	logger   *slog.Logger
}

// NewForcedPredicates compiles the given CEL sources. Each expression
// sees the variables: sender, destination, type, action, priority (int),
// payload (map).
func NewForcedPredicates(sources []string) (*ForcedPredicates, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("sender", types.StringType),
			decls.NewVariable("destination", types.StringType),
			decls.NewVariable("type", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("priority", types.IntType),
			decls.NewVariable("payload", types.NewMapType(types.StringType, types.DynType)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("routing: create CEL env: %w", err)
	}

	fp := &ForcedPredicates{
		env:    env,
		logger: slog.Default().With("component", "routing"),
	}
	for _, src := range sources {
		ast, issues := env.Compile(src)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("routing: compile predicate %q: %w", src, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("routing: program %q: %w", src, err)
		}
		fp.programs = append(fp.programs, prg)
		fp.sources = append(fp.sources, src)
	}
	return fp, nil
}

// Match reports whether any predicate fires for the message. Evaluation
// errors count as a match: a predicate the operator wrote but the router
// cannot evaluate must not silently open the fast lane.
func (fp *ForcedPredicates) Match(msg *contracts.Message) bool {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	input := map[string]any{
		"sender":      msg.SenderID,
		"destination": msg.DestinationID,
		"type":        string(msg.Type),
		"action":      msg.Action(),
		"priority":    int64(msg.Priority),
		"payload":     payload,
	}

	for i, prg := range fp.programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			fp.logger.Warn("forced predicate evaluation failed, forcing deliberation",
				"predicate", fp.sources[i], "error", err)
			return true
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return true
		}
	}
	return false
}
