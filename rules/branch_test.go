package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func branchLines() []types.FlowLine {
	return []types.FlowLine{
		{ID: "yes", From: "n", To: "ok", LineType: types.LineSystem, ConditionID: "c-yes"},
		{ID: "no", From: "n", To: "ko", LineType: types.LineSystem, ConditionID: "c-no"},
	}
}

func TestChooseMarkers(t *testing.T) {
	r := NewBranchResolver(nil)
	conds := map[string]types.LineCondition{
		"c-yes": {LineID: "c-yes", Condition: "1"},
		"c-no":  {LineID: "c-no", Condition: "0"},
	}

	line, err := r.Choose(branchLines(), conds, "", true)
	require.NoError(t, err)
	assert.Equal(t, "ok", line.To)

	line, err = r.Choose(branchLines(), conds, "", false)
	require.NoError(t, err)
	assert.Equal(t, "ko", line.To)
}

func TestChooseExpressions(t *testing.T) {
	r := NewBranchResolver(NewExprEvaluator())
	conds := map[string]types.LineCondition{
		"c-yes": {LineID: "c-yes", Condition: "amount >= 1000"},
		"c-no":  {LineID: "c-no", Condition: "amount < 1000"},
	}

	line, err := r.Choose(branchLines(), conds, `{"amount": 1500}`, true)
	require.NoError(t, err)
	assert.Equal(t, "yes", line.ID)

	line, err = r.Choose(branchLines(), conds, `{"amount": 20}`, true)
	require.NoError(t, err)
	assert.Equal(t, "no", line.ID)

	_, err = r.Choose(branchLines(), conds, `{not json`, true)
	assert.Error(t, err)
}

func TestChooseErrors(t *testing.T) {
	r := NewBranchResolver(nil)

	t.Run("no system line", func(t *testing.T) {
		lines := []types.FlowLine{
			{ID: "a", LineType: types.LineUser},
			{ID: "b", LineType: types.LineUser},
			{ID: "c", LineType: types.LineUser},
		}
		_, err := r.Choose(lines, nil, "", true)
		assert.ErrorIs(t, err, ErrNoConditionalLine)
	})

	t.Run("missing condition", func(t *testing.T) {
		_, err := r.Choose(branchLines(), map[string]types.LineCondition{}, "", true)
		assert.ErrorIs(t, err, ErrNoMatchingLine)
	})

	t.Run("nothing matches", func(t *testing.T) {
		conds := map[string]types.LineCondition{
			"c-yes": {Condition: "0"},
			"c-no":  {Condition: "0"},
		}
		_, err := r.Choose(branchLines(), conds, "", true)
		assert.ErrorIs(t, err, ErrNoMatchingLine)
	})
}
