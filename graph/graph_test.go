package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

const linearFlow = `{
  "nodes": [
    {"id": "s", "name": "Start", "type": "start"},
    {"id": "n1", "name": "Manager", "type": "node",
     "setInfo": {"nodeDesignate": "SPECIAL_USER", "nodeDesignateData": {"users": ["a"]}}},
    {"id": "n2", "name": "Finance", "type": "node",
     "setInfo": {"nodeDesignate": "SPECIAL_ROLE", "nodeDesignateData": {"roles": ["finance"]}}},
    {"id": "c", "name": "Board", "type": "chat",
     "setInfo": {"nodeDesignate": "SPECIAL_USER", "nodeDesignateData": {"users": ["x", "y", "z"]},
                 "chatData": {"chatType": "serial", "parallelCalcType": "unanimous"}}},
    {"id": "e", "name": "End", "type": "end"}
  ],
  "lines": [
    {"id": "l1", "from": "s", "to": "n1"},
    {"id": "l2", "from": "n1", "to": "n2"},
    {"id": "l3", "from": "n2", "to": "c"},
    {"id": "l4", "from": "c", "to": "e"}
  ]
}`

const branchFlow = `{
  "nodes": [
    {"id": "s", "name": "Start", "type": "start"},
    {"id": "n1", "name": "Review", "type": "node", "setInfo": {"nodeDesignate": "ALL_USER"}},
    {"id": "ok", "name": "Approved", "type": "node", "setInfo": {"nodeDesignate": "ALL_USER"}},
    {"id": "ko", "name": "Rejected", "type": "end"},
    {"id": "e", "name": "End", "type": "end"}
  ],
  "lines": [
    {"id": "l1", "from": "s", "to": "n1"},
    {"id": "l2", "from": "n1", "to": "ok", "setInfo": {"lineType": "system", "lineId": "c-yes"}},
    {"id": "l3", "from": "n1", "to": "ko", "setInfo": {"lineType": "system", "lineId": "c-no"}},
    {"id": "l4", "from": "ok", "to": "e"},
    {"id": "l5", "from": "s", "to": "ok"}
  ]
}`

func TestParse(t *testing.T) {
	g, err := Parse("f1", linearFlow)
	require.NoError(t, err)

	assert.Equal(t, "f1", g.FlowID())
	assert.Len(t, g.Nodes(), 5)
	assert.Len(t, g.Lines(), 4)
	assert.Equal(t, "s", g.Start().ID)

	n1, ok := g.Node("n1")
	require.True(t, ok)
	assert.Equal(t, types.DesignateUsers{UserIDs: []string{"a"}}, n1.Designation)

	n2, _ := g.Node("n2")
	assert.Equal(t, types.DesignateRoles{RoleIDs: []string{"finance"}}, n2.Designation)

	c, _ := g.Node("c")
	require.NotNil(t, c.Chat)
	assert.Equal(t, types.ChatSerial, c.Chat.ChatType)
	assert.Equal(t, types.VoteUnanimous, c.Chat.VoteRule)

	e, _ := g.Node("e")
	assert.Equal(t, types.DesignateNone{}, e.Designation)

	_, ok = g.Node("missing")
	assert.False(t, ok)

	b, err := Parse("f2", branchFlow)
	require.NoError(t, err)
	l2 := b.LinesFrom("n1")[0]
	assert.Equal(t, types.LineSystem, l2.LineType)
	assert.Equal(t, "c-yes", l2.ConditionID)
	assert.Equal(t, types.LineUser, b.LinesFrom("s")[0].LineType)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"bad json", `{"nodes": [`},
		{"no nodes", `{"nodes": [], "lines": []}`},
		{"no start", `{"nodes": [{"id": "e", "type": "end"}]}`},
		{"two starts", `{"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "start"}]}`},
		{"duplicate id", `{"nodes": [{"id": "a", "type": "start"}, {"id": "a", "type": "end"}]}`},
		{"unknown type", `{"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "gateway"}]}`},
		{"dangling line", `{"nodes": [{"id": "a", "type": "start"}], "lines": [{"id": "l", "from": "a", "to": "zz"}]}`},
		{"chat without settings", `{"nodes": [{"id": "a", "type": "start"}, {"id": "c", "type": "chat"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("f", tt.payload)
			assert.ErrorIs(t, err, ErrInvalidFlow)
		})
	}
}

func TestKind(t *testing.T) {
	g, err := Parse("f1", linearFlow)
	require.NoError(t, err)

	want := map[string]types.NodeKind{
		"s":  types.KindBeginRound,
		"n1": types.KindNormal,
		"c":  types.KindChatNode,
		"e":  types.KindEndRound,
	}
	for id, kind := range want {
		node, _ := g.Node(id)
		assert.Equal(t, kind, Kind(node), id)
	}
	assert.Equal(t, types.NodeRef{ID: "c", Name: "Board", Type: types.KindChatNode}, Ref(mustNode(t, g, "c")))
}

func TestContextNextNode(t *testing.T) {
	g, err := Parse("f2", branchFlow)
	require.NoError(t, err)

	t.Run("single line", func(t *testing.T) {
		ctx, err := NewContext(g, "ok", "n1")
		require.NoError(t, err)
		assert.False(t, ctx.IsMultipleNextNode())
		id, err := ctx.NextNodeID()
		require.NoError(t, err)
		assert.Equal(t, "e", id)
		kind, err := ctx.NextNodeKind()
		require.NoError(t, err)
		assert.Equal(t, types.KindEndRound, kind)
	})

	t.Run("branch point", func(t *testing.T) {
		ctx, err := NewContext(g, "n1", "s")
		require.NoError(t, err)
		assert.True(t, ctx.IsMultipleNextNode())
		_, err = ctx.NextNode()
		assert.ErrorIs(t, err, ErrAmbiguousBranch)
	})

	t.Run("end node", func(t *testing.T) {
		ctx, err := NewContext(g, "e", "ok")
		require.NoError(t, err)
		_, err = ctx.NextNode()
		assert.ErrorIs(t, err, ErrNoNextNode)
	})

	t.Run("empty anchor is start", func(t *testing.T) {
		ctx, err := NewContext(g, "", "")
		require.NoError(t, err)
		assert.Equal(t, "s", ctx.Current().ID)
		assert.Equal(t, types.KindBeginRound, ctx.CurrentKind())
	})

	t.Run("unknown anchor", func(t *testing.T) {
		_, err := NewContext(g, "nope", "")
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})
}

func TestLinesOrder(t *testing.T) {
	g, err := Parse("f2", branchFlow)
	require.NoError(t, err)

	from := g.LinesFrom("n1")
	require.Len(t, from, 2)
	assert.Equal(t, "l2", from[0].ID)
	assert.Equal(t, "l3", from[1].ID)

	to := g.LinesTo("ok")
	require.Len(t, to, 2)
	assert.Equal(t, "l2", to[0].ID)
	assert.Equal(t, "l5", to[1].ID)

	assert.Empty(t, g.LinesTo("s"))
}

func TestRejectNode(t *testing.T) {
	linear, err := Parse("f1", linearFlow)
	require.NoError(t, err)
	branch, err := Parse("f2", branchFlow)
	require.NoError(t, err)

	t.Run("previous follows pointer", func(t *testing.T) {
		ctx, _ := NewContext(branch, "ok", "s")
		node, err := ctx.RejectNode(types.RejectToPrevious, "", nil)
		require.NoError(t, err)
		assert.Equal(t, "s", node.ID)

		ctx, _ = NewContext(branch, "ok", "n1")
		node, err = ctx.RejectNode(types.RejectToPrevious, "", nil)
		require.NoError(t, err)
		assert.Equal(t, "n1", node.ID)
	})

	t.Run("previous falls back to single upstream", func(t *testing.T) {
		ctx, _ := NewContext(linear, "n2", "")
		node, err := ctx.RejectNode(types.RejectToPrevious, "", nil)
		require.NoError(t, err)
		assert.Equal(t, "n1", node.ID)
	})

	t.Run("previous with several upstream nodes", func(t *testing.T) {
		ctx, _ := NewContext(branch, "ok", "")
		_, err := ctx.RejectNode(types.RejectToPrevious, "", nil)
		assert.ErrorIs(t, err, ErrInvalidRejectTarget)
	})

	t.Run("previous at start", func(t *testing.T) {
		ctx, _ := NewContext(linear, "s", "")
		_, err := ctx.RejectNode(types.RejectToPrevious, "", nil)
		assert.ErrorIs(t, err, ErrInvalidRejectTarget)
	})

	t.Run("specific upstream", func(t *testing.T) {
		ctx, _ := NewContext(linear, "c", "n2")
		node, err := ctx.RejectNode(types.RejectToSpecific, "s", []string{"s", "n1", "n2"})
		require.NoError(t, err)
		assert.Equal(t, "s", node.ID)
	})

	t.Run("specific downstream", func(t *testing.T) {
		ctx, _ := NewContext(linear, "n1", "s")
		_, err := ctx.RejectNode(types.RejectToSpecific, "n2", nil)
		assert.ErrorIs(t, err, ErrInvalidRejectTarget)
	})

	t.Run("specific never visited", func(t *testing.T) {
		ctx, _ := NewContext(branch, "ok", "s")
		_, err := ctx.RejectNode(types.RejectToSpecific, "n1", []string{"s"})
		assert.ErrorIs(t, err, ErrInvalidRejectTarget)
	})

	t.Run("specific self or unknown", func(t *testing.T) {
		ctx, _ := NewContext(linear, "n2", "n1")
		_, err := ctx.RejectNode(types.RejectToSpecific, "n2", nil)
		assert.ErrorIs(t, err, ErrInvalidRejectTarget)
		_, err = ctx.RejectNode(types.RejectToSpecific, "ghost", nil)
		assert.ErrorIs(t, err, ErrInvalidRejectTarget)
	})
}

func TestGraphCache(t *testing.T) {
	c := NewGraphCache(time.Minute)

	g1, err := c.Get("f1", linearFlow)
	require.NoError(t, err)
	g2, err := c.Get("f1", linearFlow)
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, c.Len())

	g3, err := c.Get("f1", branchFlow)
	require.NoError(t, err)
	assert.NotSame(t, g1, g3)
	assert.Equal(t, 2, c.Len())

	_, err = c.Get("bad", `{`)
	assert.ErrorIs(t, err, ErrInvalidFlow)
	assert.Equal(t, 2, c.Len())

	c.Flush()
	assert.Equal(t, 0, c.Len())
}

func mustNode(t *testing.T, g *Graph, id string) types.FlowNode {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok)
	return n
}
