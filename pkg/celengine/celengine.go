// Package celengine compiles boolean CEL expressions over flat attribute maps.
package celengine

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// Predicate is a compiled boolean expression, safe for concurrent use.
type Predicate struct {
	expr string
	prg  cel.Program
}

// NewEnv declares one variable per attribute with the given CEL type.
func NewEnv(decls map[string]*cel.Type) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(decls)+1)
	for name, typ := range decls {
		opts = append(opts, cel.Variable(name, typ))
	}
	opts = append(opts, cel.CrossTypeNumericComparisons(true))
	return cel.NewEnv(opts...)
}

// EnvFromAttributes infers declarations from sample values. JSON numbers
// arrive as float64 and are declared as doubles.
func EnvFromAttributes(attrs map[string]any) (*cel.Env, error) {
	decls := make(map[string]*cel.Type, len(attrs))
	for key, val := range attrs {
		switch val.(type) {
		case string:
			decls[key] = cel.StringType
		case int, int32, int64:
			decls[key] = cel.IntType
		case float32, float64:
			decls[key] = cel.DoubleType
		case bool:
			decls[key] = cel.BoolType
		case []any:
			decls[key] = cel.ListType(cel.DynType)
		case map[string]any:
			decls[key] = cel.MapType(cel.StringType, cel.DynType)
		default:
			decls[key] = cel.DynType
		}
	}
	return NewEnv(decls)
}

func Compile(env *cel.Env, expr string) (*Predicate, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression %q must return bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &Predicate{expr: expr, prg: prg}, nil
}

func (p *Predicate) String() string { return p.expr }

func (p *Predicate) Match(attrs map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}

func StructToMap(s any) map[string]any {
	if s == nil {
		return map[string]any{}
	}

	b, err := json.Marshal(s)
	if err != nil {
		zap.L().Debug("failed StructToMap Marshal", zap.Error(err))
		return map[string]any{}
	}

	var result map[string]any
	if err := json.Unmarshal(b, &result); err != nil {
		zap.L().Debug("failed StructToMap Unmarshal", zap.Error(err))
		return map[string]any{}
	}

	return result
}
