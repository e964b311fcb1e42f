package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/docflow/pkg/types"
)

// conditionFn evaluates one compiled condition against an event payload.
// A missing payload field never matches.
type conditionFn func(payload map[string]any) bool

// compileConditions turns trigger conditions into closures evaluated on the
// routing hot path. Regexes compile once here; a condition that cannot
// compile disables its whole trigger.
func compileConditions(conds []*types.Condition) ([]conditionFn, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	fns := make([]conditionFn, 0, len(conds))
	for i, c := range conds {
		fn, err := compileCondition(c)
		if err != nil {
			return nil, fmt.Errorf("condition %d (field %q, op %q): %w", i, c.Field, c.Op, err)
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

func compileCondition(c *types.Condition) (conditionFn, error) {
	if c.Field == "" {
		return nil, fmt.Errorf("empty field")
	}
	field := c.Field

	switch c.Op {
	case types.OpEq, types.OpNe:
		want := c.Value
		negate := c.Op == types.OpNe
		return func(payload map[string]any) bool {
			got, ok := payload[field]
			if !ok {
				return false
			}
			return valuesEqual(got, want) != negate
		}, nil

	case types.OpLt, types.OpLte, types.OpGt, types.OpGte:
		want, ok := asFloat(c.Value)
		if !ok {
			return nil, fmt.Errorf("%q needs a numeric value, got %T", c.Op, c.Value)
		}
		op := c.Op
		return func(payload map[string]any) bool {
			got, ok := asFloat(payload[field])
			if !ok {
				return false
			}
			switch op {
			case types.OpLt:
				return got < want
			case types.OpLte:
				return got <= want
			case types.OpGt:
				return got > want
			default:
				return got >= want
			}
		}, nil

	case types.OpPrefix:
		want, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("prefix needs a string value, got %T", c.Value)
		}
		return func(payload map[string]any) bool {
			got, ok := payload[field].(string)
			return ok && strings.HasPrefix(got, want)
		}, nil

	case types.OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("regex needs a string pattern, got %T", c.Value)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex: %w", err)
		}
		return func(payload map[string]any) bool {
			got, ok := payload[field].(string)
			return ok && re.MatchString(got)
		}, nil

	default:
		return nil, fmt.Errorf("unknown operator")
	}
}

// valuesEqual compares numerically when both sides coerce to numbers
// (JSON decodes trigger values as float64, payload sizes are int64) and
// falls back to string equality otherwise.
func valuesEqual(got, want any) bool {
	gf, gok := asFloat(got)
	wf, wok := asFloat(want)
	if gok && wok {
		return gf == wf
	}
	gs, gok := got.(string)
	ws, wok := want.(string)
	return gok && wok && gs == ws
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
