package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	markerTrue  = "1"
	markerFalse = "0"
)

var (
	// ErrNoConditionalLine is returned when a branch point has no System line.
	ErrNoConditionalLine = errors.New("branch point has no conditional line")
	// ErrNoMatchingLine is returned when no conditional line yields the wanted outcome.
	ErrNoMatchingLine = errors.New("no conditional line matches")
)

// BranchResolver picks the outgoing line of a two-way branch point.
type BranchResolver struct {
	evaluator Evaluator
}

func NewBranchResolver(evaluator Evaluator) *BranchResolver {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	return &BranchResolver{evaluator: evaluator}
}

// Choose returns the first System line in lines whose condition evaluates
// to want. conditions is keyed by line condition id. A condition is the
// literal marker "1" or "0", or an expression over the decoded formData.
func (r *BranchResolver) Choose(lines []types.FlowLine, conditions map[string]types.LineCondition, formData string, want bool) (types.FlowLine, error) {
	var env map[string]interface{}
	seen := 0
	for _, line := range lines {
		if line.LineType != types.LineSystem {
			continue
		}
		seen++
		cond, ok := conditions[line.ConditionID]
		if !ok {
			return types.FlowLine{}, fmt.Errorf("%w: line %s has no condition %q", ErrNoMatchingLine, line.ID, line.ConditionID)
		}

		var value bool
		switch strings.TrimSpace(cond.Condition) {
		case markerTrue:
			value = true
		case markerFalse:
			value = false
		default:
			if env == nil {
				var err error
				if env, err = decodeForm(formData); err != nil {
					return types.FlowLine{}, err
				}
			}
			v, err := r.evaluator.Evaluate(cond.Condition, env)
			if err != nil {
				return types.FlowLine{}, fmt.Errorf("line %s: %w", line.ID, err)
			}
			value = v
		}
		if value == want {
			return line, nil
		}
	}
	if seen == 0 {
		return types.FlowLine{}, ErrNoConditionalLine
	}
	return types.FlowLine{}, fmt.Errorf("%w: want %t", ErrNoMatchingLine, want)
}

func decodeForm(formData string) (map[string]interface{}, error) {
	env := make(map[string]interface{})
	if strings.TrimSpace(formData) == "" {
		return env, nil
	}
	if err := json.Unmarshal([]byte(formData), &env); err != nil {
		return nil, fmt.Errorf("decode form data: %w", err)
	}
	return env, nil
}
