// Package cel compiles CEL expressions into firewall rules. Expressions give
// operators a policy surface richer than the capability matrix: a rule can
// match on the requesting client path, the required capabilities and the
// touched vault paths in one predicate.
package cel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/firewall"
)

// maxExpressionLength is the maximum allowed length for rule expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout bounds a single rule evaluation.
const evalTimeout = time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Compiler compiles rule expressions against the request environment.
//
// Expressions see:
//   - client_path: the request's client path, as a string
//   - capabilities: the required capability names ("use", "write", "clone",
//     "list", "read_store", "write_store")
//   - vault_paths: the vault paths the capabilities apply to, as strings
//   - glob(pattern, value): filepath-style pattern match
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates a compiler with the rule environment.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("client_path", cel.StringType),
		cel.Variable("capabilities", cel.ListType(cel.StringType)),
		cel.Variable("vault_paths", cel.ListType(cel.StringType)),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rule environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Validate checks that an expression is syntactically valid and within the
// safety limits, without building a rule.
func (c *Compiler) Validate(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := c.compile(expr); err != nil {
		return fmt.Errorf("invalid rule expression: %w", err)
	}
	return nil
}

// CompileRule compiles an expression into an installable firewall rule.
// Evaluation failures deny: a rule that cannot decide fails closed.
func (c *Compiler) CompileRule(expr string) (firewall.Rule, error) {
	if err := c.Validate(expr); err != nil {
		return nil, err
	}
	prg, err := c.compile(expr)
	if err != nil {
		return nil, err
	}
	return func(rq access.Request) bool {
		ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
		defer cancel()
		result, _, err := prg.ContextEval(ctx, activation(rq))
		if err != nil {
			return false
		}
		allowed, ok := result.Value().(bool)
		return ok && allowed
	}, nil
}

func (c *Compiler) compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

func activation(rq access.Request) map[string]any {
	capabilities := make([]string, 0, len(rq.Locations))
	vaultPaths := make([]string, 0, len(rq.Locations))
	for _, a := range rq.Locations {
		capabilities = append(capabilities, a.Kind.String())
		if len(a.VaultPath) > 0 {
			vaultPaths = append(vaultPaths, string(a.VaultPath))
		}
	}
	return map[string]any{
		"client_path":  string(rq.ClientPath),
		"capabilities": capabilities,
		"vault_paths":  vaultPaths,
	}
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
