package graph

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	ErrInvalidFlow         = errors.New("invalid flow definition")
	ErrNodeNotFound        = errors.New("node not found")
	ErrNoNextNode          = errors.New("node has no outgoing line")
	ErrAmbiguousBranch     = errors.New("node has more than one outgoing line")
	ErrInvalidRejectTarget = errors.New("reject target cannot be reached backward from current node")
)

// Designation markers used by the flow designer.
const (
	designateAllUsers = "ALL_USER"
	designateUsers    = "SPECIAL_USER"
	designateRoles    = "SPECIAL_ROLE"
)

type flowPayload struct {
	Nodes []nodePayload `json:"nodes"`
	Lines []linePayload `json:"lines"`
}

type nodePayload struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Type    types.NodeType `json:"type"`
	SetInfo *nodeSetInfo   `json:"setInfo,omitempty"`
}

type nodeSetInfo struct {
	NodeDesignate     string `json:"nodeDesignate"`
	NodeDesignateData struct {
		Users []string `json:"users"`
		Roles []string `json:"roles"`
	} `json:"nodeDesignateData"`
	ChatData *struct {
		ChatType         types.ChatType `json:"chatType"`
		ParallelCalcType types.VoteRule `json:"parallelCalcType"`
	} `json:"chatData,omitempty"`
}

type linePayload struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	SetInfo *struct {
		LineType types.LineType `json:"lineType"`
		LineID   string         `json:"lineId"`
	} `json:"setInfo,omitempty"`
}

// Graph is an immutable, parsed flow definition.
type Graph struct {
	flowID string
	nodes  []types.FlowNode
	lines  []types.FlowLine
	index  map[string]int
	start  string
}

// Parse decodes a flow JSON payload. Node ids must be unique, exactly one
// start node must exist and every line must join two known nodes.
func Parse(flowID, payload string) (*Graph, error) {
	var p flowPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	if len(p.Nodes) == 0 {
		return nil, fmt.Errorf("%w: flow %s has no nodes", ErrInvalidFlow, flowID)
	}

	g := &Graph{
		flowID: flowID,
		nodes:  make([]types.FlowNode, 0, len(p.Nodes)),
		lines:  make([]types.FlowLine, 0, len(p.Lines)),
		index:  make(map[string]int, len(p.Nodes)),
	}

	for _, n := range p.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node without id", ErrInvalidFlow)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %s", ErrInvalidFlow, n.ID)
		}
		node, err := buildNode(n)
		if err != nil {
			return nil, err
		}
		if node.Type == types.NodeStart {
			if g.start != "" {
				return nil, fmt.Errorf("%w: more than one start node", ErrInvalidFlow)
			}
			g.start = node.ID
		}
		g.index[node.ID] = len(g.nodes)
		g.nodes = append(g.nodes, node)
	}
	if g.start == "" {
		return nil, fmt.Errorf("%w: no start node", ErrInvalidFlow)
	}

	for _, l := range p.Lines {
		if _, ok := g.index[l.From]; !ok {
			return nil, fmt.Errorf("%w: line %s starts at unknown node %s", ErrInvalidFlow, l.ID, l.From)
		}
		if _, ok := g.index[l.To]; !ok {
			return nil, fmt.Errorf("%w: line %s ends at unknown node %s", ErrInvalidFlow, l.ID, l.To)
		}
		line := types.FlowLine{ID: l.ID, From: l.From, To: l.To, LineType: types.LineUser}
		if l.SetInfo != nil {
			if l.SetInfo.LineType != "" {
				line.LineType = l.SetInfo.LineType
			}
			line.ConditionID = l.SetInfo.LineID
		}
		g.lines = append(g.lines, line)
	}
	return g, nil
}

func buildNode(n nodePayload) (types.FlowNode, error) {
	node := types.FlowNode{ID: n.ID, Name: n.Name, Type: n.Type, Designation: types.DesignateNone{}}
	switch n.Type {
	case types.NodeStart, types.NodeNormal, types.NodeChat, types.NodeEnd:
	default:
		return node, fmt.Errorf("%w: node %s has unknown type %q", ErrInvalidFlow, n.ID, n.Type)
	}
	if n.SetInfo == nil {
		if n.Type == types.NodeChat {
			return node, fmt.Errorf("%w: chat node %s has no settings", ErrInvalidFlow, n.ID)
		}
		return node, nil
	}

	switch n.SetInfo.NodeDesignate {
	case designateAllUsers:
		node.Designation = types.DesignateAllUsers{}
	case designateUsers:
		node.Designation = types.DesignateUsers{UserIDs: n.SetInfo.NodeDesignateData.Users}
	case designateRoles:
		node.Designation = types.DesignateRoles{RoleIDs: n.SetInfo.NodeDesignateData.Roles}
	}

	if n.Type == types.NodeChat {
		cd := n.SetInfo.ChatData
		if cd == nil {
			return node, fmt.Errorf("%w: chat node %s has no chat settings", ErrInvalidFlow, n.ID)
		}
		chat := &types.ChatSetting{ChatType: cd.ChatType, VoteRule: cd.ParallelCalcType}
		if chat.ChatType == "" {
			chat.ChatType = types.ChatParallel
		}
		if chat.VoteRule == "" {
			chat.VoteRule = types.VoteMoreThanHalf
		}
		node.Chat = chat
	}
	return node, nil
}

// FlowID returns the id of the flow the graph was parsed for.
func (g *Graph) FlowID() string {
	return g.flowID
}

// Node looks a node up by id.
func (g *Graph) Node(id string) (types.FlowNode, bool) {
	i, ok := g.index[id]
	if !ok {
		return types.FlowNode{}, false
	}
	return g.nodes[i], true
}

// Start returns the single start node.
func (g *Graph) Start() types.FlowNode {
	return g.nodes[g.index[g.start]]
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []types.FlowNode {
	out := make([]types.FlowNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Lines returns the lines in declaration order.
func (g *Graph) Lines() []types.FlowLine {
	out := make([]types.FlowLine, len(g.lines))
	copy(out, g.lines)
	return out
}

// LinesFrom returns every line leaving nodeID, in declaration order.
func (g *Graph) LinesFrom(nodeID string) []types.FlowLine {
	var out []types.FlowLine
	for _, l := range g.lines {
		if l.From == nodeID {
			out = append(out, l)
		}
	}
	return out
}

// LinesTo returns every line entering nodeID, in declaration order.
func (g *Graph) LinesTo(nodeID string) []types.FlowLine {
	var out []types.FlowLine
	for _, l := range g.lines {
		if l.To == nodeID {
			out = append(out, l)
		}
	}
	return out
}

// Kind maps a node's declared type to its runtime classification.
func Kind(node types.FlowNode) types.NodeKind {
	switch node.Type {
	case types.NodeStart:
		return types.KindBeginRound
	case types.NodeNormal:
		return types.KindNormal
	case types.NodeChat:
		return types.KindChatNode
	case types.NodeEnd:
		return types.KindEndRound
	default:
		return types.KindUnknown
	}
}

// Ref builds the history reference of a node.
func Ref(node types.FlowNode) types.NodeRef {
	return types.NodeRef{ID: node.ID, Name: node.Name, Type: Kind(node)}
}
