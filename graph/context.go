package graph

import (
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// Context anchors a Graph at an instance's current and previous node.
// It is built per request and never mutated.
type Context struct {
	graph    *Graph
	current  types.FlowNode
	previous string
}

// NewContext anchors g at currentID. An empty currentID anchors it at the
// start node, which is where a process that was never submitted sits.
func NewContext(g *Graph, currentID, previousID string) (*Context, error) {
	if currentID == "" {
		return &Context{graph: g, current: g.Start(), previous: previousID}, nil
	}
	node, ok := g.Node(currentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, currentID)
	}
	return &Context{graph: g, current: node, previous: previousID}, nil
}

func (c *Context) Graph() *Graph {
	return c.graph
}

func (c *Context) Current() types.FlowNode {
	return c.current
}

func (c *Context) CurrentKind() types.NodeKind {
	return Kind(c.current)
}

func (c *Context) PreviousID() string {
	return c.previous
}

// IsMultipleNextNode reports whether the current node is a branch point.
func (c *Context) IsMultipleNextNode() bool {
	return len(c.graph.LinesFrom(c.current.ID)) > 1
}

// NextNode follows the single outgoing line of the current node.
func (c *Context) NextNode() (types.FlowNode, error) {
	return c.NextNodeOf(c.current.ID)
}

// NextNodeOf follows the single outgoing line of nodeID.
func (c *Context) NextNodeOf(nodeID string) (types.FlowNode, error) {
	lines := c.graph.LinesFrom(nodeID)
	switch len(lines) {
	case 0:
		return types.FlowNode{}, fmt.Errorf("%w: %s", ErrNoNextNode, nodeID)
	case 1:
		next, ok := c.graph.Node(lines[0].To)
		if !ok {
			return types.FlowNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, lines[0].To)
		}
		return next, nil
	default:
		return types.FlowNode{}, fmt.Errorf("%w: %s has %d lines", ErrAmbiguousBranch, nodeID, len(lines))
	}
}

func (c *Context) NextNodeID() (string, error) {
	next, err := c.NextNode()
	if err != nil {
		return "", err
	}
	return next.ID, nil
}

func (c *Context) NextNodeKind() (types.NodeKind, error) {
	next, err := c.NextNode()
	if err != nil {
		return types.KindUnknown, err
	}
	return Kind(next), nil
}

func (c *Context) LinesFrom(nodeID string) []types.FlowLine {
	return c.graph.LinesFrom(nodeID)
}

func (c *Context) LinesTo(nodeID string) []types.FlowLine {
	return c.graph.LinesTo(nodeID)
}

// RejectNode resolves where a Back action lands.
//
// RejectToPrevious returns the node the instance arrived from when a line
// joins it to the current node, otherwise the single upstream node.
// RejectToSpecific returns targetID once it is proven to be upstream of the
// current node; when trail is not nil the target must also be a node the
// instance actually passed through.
func (c *Context) RejectNode(kind types.RejectKind, targetID string, trail []string) (types.FlowNode, error) {
	switch kind {
	case types.RejectToPrevious:
		return c.previousNode()
	case types.RejectToSpecific:
		return c.specificNode(targetID, trail)
	default:
		return types.FlowNode{}, fmt.Errorf("%w: unknown reject kind %d", ErrInvalidRejectTarget, kind)
	}
}

func (c *Context) previousNode() (types.FlowNode, error) {
	incoming := c.graph.LinesTo(c.current.ID)
	if c.previous != "" {
		for _, l := range incoming {
			if l.From == c.previous {
				node, _ := c.graph.Node(l.From)
				return node, nil
			}
		}
	}
	if len(incoming) == 1 {
		node, _ := c.graph.Node(incoming[0].From)
		return node, nil
	}
	return types.FlowNode{}, fmt.Errorf("%w: %s has %d upstream nodes", ErrInvalidRejectTarget, c.current.ID, len(incoming))
}

func (c *Context) specificNode(targetID string, trail []string) (types.FlowNode, error) {
	target, ok := c.graph.Node(targetID)
	if !ok || targetID == c.current.ID {
		return types.FlowNode{}, fmt.Errorf("%w: %q", ErrInvalidRejectTarget, targetID)
	}
	if !c.reachesBackward(targetID) {
		return types.FlowNode{}, fmt.Errorf("%w: %s is not upstream of %s", ErrInvalidRejectTarget, targetID, c.current.ID)
	}
	if trail != nil {
		visited := false
		for _, id := range trail {
			if id == targetID {
				visited = true
				break
			}
		}
		if !visited {
			return types.FlowNode{}, fmt.Errorf("%w: %s was never visited", ErrInvalidRejectTarget, targetID)
		}
	}
	return target, nil
}

func (c *Context) reachesBackward(targetID string) bool {
	seen := map[string]bool{c.current.ID: true}
	queue := []string{c.current.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, l := range c.graph.LinesTo(id) {
			if l.From == targetID {
				return true
			}
			if !seen[l.From] {
				seen[l.From] = true
				queue = append(queue, l.From)
			}
		}
	}
	return false
}
