package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakerList(t *testing.T) {
	m := NewMakerList("a", " b ", "", "a", "c")
	assert.Equal(t, []string{"a", "b", "c"}, m.IDs)
	assert.Equal(t, "a,b,c,", m.String())
	assert.True(t, m.Contains("b"))
	assert.False(t, m.Contains("d"))

	w := m.Without("b")
	assert.Equal(t, []string{"a", "c"}, w.IDs)
	assert.Equal(t, 3, m.Len(), "Without must not alter the receiver")

	assert.True(t, MakerList{}.Empty())
	assert.Equal(t, "", MakerList{}.String())

	all := EveryoneList()
	assert.False(t, all.Empty())
	assert.True(t, all.Contains("anyone"))
	assert.Equal(t, "AllUser,", all.String())
}

func TestParseMakerList(t *testing.T) {
	assert.Equal(t, []string{"x", "y"}, ParseMakerList("x,y,").IDs)
	assert.True(t, ParseMakerList("AllUser,").Everyone)
	assert.True(t, ParseMakerList("").Empty())
}

func TestMakerListJSON(t *testing.T) {
	inst := WorkflowInstance{InstanceID: "i1", MakerList: NewMakerList("a", "b")}
	data, err := json.Marshal(inst)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"maker_list":"a,b,"`)

	var back WorkflowInstance
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"a", "b"}, back.MakerList.IDs)
}

func TestEnums(t *testing.T) {
	m, ok := ParseMenu("agree")
	assert.True(t, ok)
	assert.Equal(t, MenuAgree, m)
	_, ok = ParseMenu("dance")
	assert.False(t, ok)
	assert.Equal(t, "back", MenuBack.String())

	assert.Equal(t, FinishFinished, FinishFor(KindEndRound))
	assert.Equal(t, FinishRunning, FinishFor(KindChatNode))
	assert.Equal(t, "Back", StatusBack.String())

	assert.True(t, WorkflowInstance{IsFinish: FinishDeprecated}.Terminal())
	assert.False(t, WorkflowInstance{IsFinish: FinishDraft}.Terminal())
}
