package vote

import "github.com/songzhibin97/approval-engine/types"

// Passed reports whether agree votes out of total satisfy rule.
// MoreThanHalf needs a strict majority, so a tie fails.
func Passed(agree, total int, rule types.VoteRule) bool {
	if total <= 0 {
		return false
	}
	switch rule {
	case types.VoteUnanimous:
		return agree == total
	default:
		return agree > total/2
	}
}

// Evaluate maps a counter-signing tally to the resulting finish state.
// terminal tells whether the round's successor is the end node.
func Evaluate(agree, total int, rule types.VoteRule, terminal bool) types.FinishState {
	if !Passed(agree, total, rule) {
		return types.FinishDeprecated
	}
	if terminal {
		return types.FinishFinished
	}
	return types.FinishRunning
}

// Tally counts the Agree operations recorded at nodeID among ops.
func Tally(ops []types.OperationHistory, nodeID string) int {
	n := 0
	for _, op := range ops {
		if op.NodeID == nodeID && op.TransitionType == types.MenuAgree {
			n++
		}
	}
	return n
}
