package workflow

import (
	"context"
	"fmt"

	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/history"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/songzhibin97/approval-engine/vote"
)

func (e *Engine) agree(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error {
	return e.approve(ctx, tx, req, out, true)
}

func (e *Engine) deprecate(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error {
	return e.approve(ctx, tx, req, out, false)
}

// approve records a vote for or against the current node and moves the
// instance on once the node has decided. A rejected node deprecates the
// instance.
func (e *Engine) approve(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome, agree bool) error {
	inst, gc, err := e.loadActive(ctx, tx, req.InstanceID)
	if err != nil {
		return err
	}
	current := gc.Current()
	kind := gc.CurrentKind()
	if kind != types.KindNormal && kind != types.KindChatNode {
		return fmt.Errorf("%w: nothing to approve at %s node %s", ErrIllegalOperation, kind, current.ID)
	}
	if kind == types.KindChatNode && (inst.Round == nil || inst.Round.NodeID != current.ID) {
		return fmt.Errorf("%w: no open counter-signing round at %s", ErrIllegalOperation, current.ID)
	}

	ops, err := tx.ListOperations(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if err := authorize(inst, ops, req.ActorID); err != nil {
		return err
	}

	menu := types.MenuAgree
	if !agree {
		menu = types.MenuDeprecate
	}
	actor := actorOf(req)
	if _, err := e.recorder.Operation(ctx, tx, inst.InstanceID, current, actor, req.Content, menu); err != nil {
		return err
	}
	inst.UpdateTime = e.now()
	out.from, out.to, out.publish = current, current, true

	if kind == types.KindChatNode {
		last, err := e.countSign(ctx, tx, &inst, current, ops, actor, agree)
		if err != nil {
			return err
		}
		if !last {
			return e.save(ctx, tx, &inst, out)
		}
		return e.closeRound(ctx, tx, &inst, gc, actor, out)
	}

	next, err := e.target(ctx, tx, inst, gc, agree)
	if err != nil {
		return err
	}
	if !agree && gc.IsMultipleNextNode() {
		return e.divert(ctx, tx, &inst, current, next, actor, out)
	}
	return e.advance(ctx, tx, &inst, current, next, agree, actor, out)
}

// divert moves a rejected inst down the false branch. The branch node is
// entered as usual and stays actionable; only the status records the
// rejection.
func (e *Engine) divert(ctx context.Context, tx storage.Tx, inst *types.WorkflowInstance, from, next types.FlowNode, actor history.Actor, out *outcome) error {
	if err := e.enter(ctx, tx, inst, from, next); err != nil {
		return err
	}
	inst.Status = types.StatusDeprecated
	if _, err := e.recorder.Transition(ctx, tx, inst.InstanceID, from, next, types.TransitionReject, inst.IsFinish, actor); err != nil {
		return err
	}
	out.to = next
	return e.save(ctx, tx, inst, out)
}

// countSign records the vote of actor in the open round of node and
// reports whether no further vote is expected. ops are the rows written
// before this vote.
func (e *Engine) countSign(ctx context.Context, tx storage.Tx, inst *types.WorkflowInstance, node types.FlowNode, ops []types.OperationHistory, actor history.Actor, agree bool) (bool, error) {
	round := inst.Round
	last := false
	if node.Chat != nil && node.Chat.ChatType == types.ChatSerial {
		voted := append(roundVoters(ops, round), actor.ID)
		next := ""
		for _, id := range round.Roster[indexOf(round.Roster, actor.ID)+1:] {
			if !contains(voted, id) {
				next = id
				break
			}
		}
		if next == "" {
			inst.MakerList, last = types.MakerList{}, true
		} else {
			inst.MakerList = types.NewMakerList(next)
		}
	} else {
		inst.MakerList = inst.MakerList.Without(actor.ID)
		last = inst.MakerList.Empty()
	}

	state := types.TransitionNormal
	if !agree {
		state = types.TransitionReject
	}
	if _, err := e.recorder.Transition(ctx, tx, inst.InstanceID, node, node, state, types.FinishRunning, actor); err != nil {
		return false, err
	}
	return last, nil
}

// closeRound tallies the votes of the finished round and leaves the node.
// The total is the roster frozen when the round opened.
func (e *Engine) closeRound(ctx context.Context, tx storage.Tx, inst *types.WorkflowInstance, gc *graph.Context, actor history.Actor, out *outcome) error {
	node := gc.Current()
	round := inst.Round
	ops, err := tx.ListOperations(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	rule := types.VoteMoreThanHalf
	if node.Chat != nil {
		rule = node.Chat.VoteRule
	}
	agreed := vote.Tally(roundOps(ops, round), round.NodeID)
	total := len(round.Roster)

	next, err := e.target(ctx, tx, *inst, gc, vote.Passed(agreed, total, rule))
	if err != nil {
		return err
	}
	result := vote.Evaluate(agreed, total, rule, graph.Kind(next) == types.KindEndRound)
	return e.advance(ctx, tx, inst, node, next, result != types.FinishDeprecated, actor, out)
}

// advance moves inst from one node to the next. A rejected move retires
// the instance on next as deprecated.
func (e *Engine) advance(ctx context.Context, tx storage.Tx, inst *types.WorkflowInstance, from, next types.FlowNode, agree bool, actor history.Actor, out *outcome) error {
	state := types.TransitionNormal
	if agree {
		if err := e.enter(ctx, tx, inst, from, next); err != nil {
			return err
		}
	} else {
		retire(inst, from, next)
		state = types.TransitionReject
	}
	if _, err := e.recorder.Transition(ctx, tx, inst.InstanceID, from, next, state, inst.IsFinish, actor); err != nil {
		return err
	}
	out.to = next
	return e.save(ctx, tx, inst, out)
}

// retire positions inst on node as a deprecated instance nobody acts on.
func retire(inst *types.WorkflowInstance, from, node types.FlowNode) {
	inst.PreviousID = from.ID
	inst.ActivityID = node.ID
	inst.ActivityName = node.Name
	inst.ActivityType = graph.Kind(node)
	inst.Round = nil
	inst.MakerList = types.MakerList{}
	inst.IsFinish = types.FinishDeprecated
	inst.Status = types.StatusDeprecated
}
