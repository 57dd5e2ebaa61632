package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/history"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// back returns the instance to an earlier node. Counter-signing nodes
// cannot be recalled.
func (e *Engine) back(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error {
	switch req.RejectKind {
	case 0:
		return fmt.Errorf("%w: rejectKind", ErrMissingParameter)
	case types.RejectToSpecific:
		if req.RejectNodeID == "" {
			return fmt.Errorf("%w: rejectNodeId", ErrMissingParameter)
		}
	}

	inst, gc, err := e.loadActive(ctx, tx, req.InstanceID)
	if err != nil {
		return err
	}
	current := gc.Current()
	switch gc.CurrentKind() {
	case types.KindNormal, types.KindBeginRound:
	case types.KindChatNode:
		return fmt.Errorf("%w: counter-signing node %s cannot be recalled", ErrIllegalOperation, current.ID)
	default:
		return fmt.Errorf("%w: nothing to recall at %s", ErrIllegalOperation, current.ID)
	}
	if err := authorize(inst, nil, req.ActorID); err != nil {
		return err
	}

	var trail []string
	if req.RejectKind == types.RejectToSpecific {
		trs, err := tx.ListTransitions(ctx, inst.InstanceID)
		if err != nil {
			return err
		}
		trail = history.Trail(trs)
	}
	target, err := gc.RejectNode(req.RejectKind, req.RejectNodeID, trail)
	if err != nil {
		return err
	}

	actor := actorOf(req)
	if _, err := e.recorder.Operation(ctx, tx, inst.InstanceID, current, actor, req.Content, types.MenuBack); err != nil {
		return err
	}
	if err := e.enter(ctx, tx, &inst, current, target); err != nil {
		return err
	}
	if inst.IsFinish == types.FinishRunning {
		inst.Status = types.StatusBack
	}
	if _, err := e.recorder.Transition(ctx, tx, inst.InstanceID, current, target, types.TransitionReject, inst.IsFinish, actor); err != nil {
		return err
	}
	inst.UpdateTime = e.now()
	out.from, out.to, out.publish = current, target, true
	return e.save(ctx, tx, &inst, out)
}

// stop abandons a process. A system form's process is deleted; a custom
// form's process becomes a draft again. History is not kept either way.
func (e *Engine) stop(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error {
	if req.InstanceID == "" {
		return fmt.Errorf("%w: instanceId", ErrMissingParameter)
	}
	inst, err := tx.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return err
	}
	if inst.IsFinish == types.FinishDraft {
		return fmt.Errorf("%w: %s has not been submitted", ErrIllegalOperation, inst.InstanceID)
	}
	gc, err := e.instanceGraph(inst)
	if err != nil {
		return err
	}
	ops, err := tx.ListOperations(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if err := canStop(inst, gc, ops, req.ActorID); err != nil {
		return err
	}

	link, err := tx.GetInstanceForm(ctx, inst.InstanceID)
	linked := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := e.recorder.Clear(ctx, tx, inst.InstanceID); err != nil {
		return err
	}
	out.from = gc.Current()

	if linked && link.FormType == types.FormSystem {
		if err := tx.DeleteInstanceForm(ctx, inst.InstanceID); err != nil {
			return err
		}
		if err := tx.DeleteInstance(ctx, inst.InstanceID); err != nil {
			return err
		}
		out.instance, out.deleted = inst, true
		return nil
	}

	inst.ActivityID = ""
	inst.ActivityName = ""
	inst.ActivityType = types.KindUnknown
	inst.PreviousID = ""
	inst.MakerList = types.MakerList{}
	inst.Round = nil
	inst.IsFinish = types.FinishDraft
	inst.Status = types.StatusUnSubmit
	inst.UpdateTime = e.now()
	return e.save(ctx, tx, &inst, out)
}

// canStop allows the creator to stop while the instance sits on the start
// node or on a node reached only from it that nobody has voted on yet.
func canStop(inst types.WorkflowInstance, gc *graph.Context, ops []types.OperationHistory, actorID string) error {
	if actorID != inst.CreateUserID {
		return fmt.Errorf("%w: only the creator can stop %s", ErrIllegalOperation, inst.InstanceID)
	}
	if gc.CurrentKind() == types.KindBeginRound {
		return nil
	}
	if inst.Round != nil && len(roundVoters(ops, inst.Round)) > 0 {
		return fmt.Errorf("%w: %s already has votes at %s", ErrIllegalOperation, inst.InstanceID, inst.Round.NodeID)
	}
	incoming := gc.LinesTo(gc.Current().ID)
	if len(incoming) == 1 {
		if from, ok := gc.Graph().Node(incoming[0].From); ok && graph.Kind(from) == types.KindBeginRound {
			return nil
		}
	}
	return fmt.Errorf("%w: %s has moved past the first node", ErrIllegalOperation, inst.InstanceID)
}
