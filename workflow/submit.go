package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// firstNode returns the node every submission enters.
func firstNode(g *graph.Graph) (types.FlowNode, error) {
	start := g.Start()
	lines := g.LinesFrom(start.ID)
	if len(lines) != 1 {
		return types.FlowNode{}, fmt.Errorf("%w: start node of %s must have exactly one outgoing line, has %d",
			ErrIllegalOperation, g.FlowID(), len(lines))
	}
	first, ok := g.Node(lines[0].To)
	if !ok {
		return types.FlowNode{}, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, lines[0].To)
	}
	return first, nil
}

// loadDraft loads a draft only its creator may touch.
func loadDraft(ctx context.Context, r storage.Reader, instanceID, actorID string) (types.WorkflowInstance, error) {
	inst, err := r.GetInstance(ctx, instanceID)
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	if inst.IsFinish != types.FinishDraft {
		return types.WorkflowInstance{}, fmt.Errorf("%w: %s was already submitted", ErrIllegalOperation, instanceID)
	}
	if inst.CreateUserID != actorID {
		return types.WorkflowInstance{}, fmt.Errorf("%w: %s did not create %s", ErrIllegalOperation, actorID, instanceID)
	}
	return inst, nil
}

// newInstance builds an unsaved draft of flow for the requesting actor.
func (e *Engine) newInstance(flow types.FlowDefinition, req *TransitionRequest) (types.WorkflowInstance, error) {
	code, err := e.GenerateCode()
	if err != nil {
		return types.WorkflowInstance{}, err
	}
	now := e.now()
	return types.WorkflowInstance{
		InstanceID:     e.newID(),
		FlowID:         flow.FlowID,
		Code:           code,
		IsFinish:       types.FinishDraft,
		Status:         types.StatusUnSubmit,
		CreateUserID:   req.ActorID,
		CreateUserName: req.ActorName,
		FlowContent:    flow.FlowJSON,
		CreateTime:     now,
		UpdateTime:     now,
	}, nil
}

// linkForm attaches the form of flow to inst, or updates the data of the
// existing link when formData is set.
func (e *Engine) linkForm(ctx context.Context, tx storage.Tx, flow types.FlowDefinition, inst types.WorkflowInstance, formData string) error {
	link, err := tx.GetInstanceForm(ctx, inst.InstanceID)
	switch {
	case err == nil:
		if formData == "" || formData == link.FormData {
			return nil
		}
		link.FormData = formData
		return tx.SaveInstanceForm(ctx, link)
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	if flow.FormID == "" {
		return nil
	}
	form, err := tx.GetForm(ctx, flow.FormID)
	if err != nil {
		return err
	}
	if form.FormType == types.FormSystem {
		if formData == "" {
			return fmt.Errorf("%w: formData must carry the record key of system form %s", ErrMissingParameter, form.FormID)
		}
		existing, err := tx.FindInstanceFormByKey(ctx, form.FormID, formData)
		if err == nil {
			return fmt.Errorf("%w: record %s already has process %s", ErrIllegalOperation, formData, existing.InstanceID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return tx.SaveInstanceForm(ctx, types.InstanceForm{
		ID:           e.newID(),
		InstanceID:   inst.InstanceID,
		FormID:       form.FormID,
		FormType:     form.FormType,
		FormContent:  form.Content,
		FormData:     formData,
		FormURL:      form.FormURL,
		CreateUserID: inst.CreateUserID,
	})
}

// submit starts a process at the node after Start, reusing the draft named
// by req.InstanceID when there is one.
func (e *Engine) submit(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error {
	var (
		inst  types.WorkflowInstance
		draft bool
	)
	flowID := req.FlowID
	if req.InstanceID != "" {
		existing, err := loadDraft(ctx, tx, req.InstanceID, req.ActorID)
		if err != nil {
			return err
		}
		inst, draft, flowID = existing, true, existing.FlowID
	}
	if flowID == "" {
		return fmt.Errorf("%w: flowId", ErrMissingParameter)
	}

	flow, err := tx.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	g, err := e.graphs.Get(flow.FlowID, flow.FlowJSON)
	if err != nil {
		return err
	}
	first, err := firstNode(g)
	if err != nil {
		return err
	}

	if !draft {
		if inst, err = e.newInstance(flow, req); err != nil {
			return err
		}
	}
	inst.FlowContent = flow.FlowJSON
	inst.UpdateTime = e.now()
	if err := e.linkForm(ctx, tx, flow, inst, req.FormData); err != nil {
		return err
	}

	start := g.Start()
	actor := actorOf(req)
	if _, err := e.recorder.Operation(ctx, tx, inst.InstanceID, start, actor, req.Content, types.MenuSubmit); err != nil {
		return err
	}
	if err := e.enter(ctx, tx, &inst, start, first); err != nil {
		return err
	}
	if _, err := e.recorder.Transition(ctx, tx, inst.InstanceID, start, first, types.TransitionNormal, inst.IsFinish, actor); err != nil {
		return err
	}

	out.from, out.to, out.publish = start, first, true
	if draft {
		return e.save(ctx, tx, &inst, out)
	}
	if err := tx.InsertInstance(ctx, inst); err != nil {
		return err
	}
	out.instance = inst
	return nil
}

// saveDraft stores custom form data of a process that is not submitted yet.
func (e *Engine) saveDraft(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error {
	if req.InstanceID != "" {
		inst, err := loadDraft(ctx, tx, req.InstanceID, req.ActorID)
		if err != nil {
			return err
		}
		flow, err := tx.GetFlow(ctx, inst.FlowID)
		if err != nil {
			return err
		}
		if err := e.linkForm(ctx, tx, flow, inst, req.FormData); err != nil {
			return err
		}
		inst.UpdateTime = e.now()
		return e.save(ctx, tx, &inst, out)
	}

	if req.FlowID == "" {
		return fmt.Errorf("%w: flowId", ErrMissingParameter)
	}
	flow, err := tx.GetFlow(ctx, req.FlowID)
	if err != nil {
		return err
	}
	if flow.FormID != "" {
		form, err := tx.GetForm(ctx, flow.FormID)
		if err != nil {
			return err
		}
		if form.FormType == types.FormSystem {
			return fmt.Errorf("%w: drafts of system form %s are kept by their owner", ErrIllegalOperation, form.FormID)
		}
	}

	inst, err := e.newInstance(flow, req)
	if err != nil {
		return err
	}
	if err := e.linkForm(ctx, tx, flow, inst, req.FormData); err != nil {
		return err
	}
	if err := tx.InsertInstance(ctx, inst); err != nil {
		return err
	}
	out.instance = inst
	return nil
}

// reSubmit sends a process that was returned to Start through the flow
// again. The instance is updated in place.
func (e *Engine) reSubmit(ctx context.Context, tx storage.Tx, req *TransitionRequest, out *outcome) error {
	inst, gc, err := e.loadActive(ctx, tx, req.InstanceID)
	if err != nil {
		return err
	}
	if gc.CurrentKind() != types.KindBeginRound {
		return fmt.Errorf("%w: %s is not back at the start node", ErrIllegalOperation, inst.InstanceID)
	}
	if err := authorize(inst, nil, req.ActorID); err != nil {
		return err
	}
	first, err := firstNode(gc.Graph())
	if err != nil {
		return err
	}

	if req.FormData != "" {
		link, err := tx.GetInstanceForm(ctx, inst.InstanceID)
		switch {
		case err == nil && link.FormType == types.FormCustom:
			link.FormData = req.FormData
			if err := tx.SaveInstanceForm(ctx, link); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return err
		}
	}

	start := gc.Current()
	actor := actorOf(req)
	if _, err := e.recorder.Operation(ctx, tx, inst.InstanceID, start, actor, req.Content, types.MenuReSubmit); err != nil {
		return err
	}
	if err := e.enter(ctx, tx, &inst, start, first); err != nil {
		return err
	}
	if _, err := e.recorder.Transition(ctx, tx, inst.InstanceID, start, first, types.TransitionNormal, inst.IsFinish, actor); err != nil {
		return err
	}
	inst.UpdateTime = e.now()
	out.from, out.to, out.publish = start, first, true
	return e.save(ctx, tx, &inst, out)
}

// save writes inst back under its optimistic version.
func (e *Engine) save(ctx context.Context, tx storage.Tx, inst *types.WorkflowInstance, out *outcome) error {
	if err := tx.UpdateInstance(ctx, *inst); err != nil {
		return err
	}
	inst.Version++
	out.instance = *inst
	return nil
}
