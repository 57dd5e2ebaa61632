package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/history"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/tracing"
	"github.com/songzhibin97/approval-engine/types"
)

// DefaultPageSize applies when a list is asked for without a size.
const DefaultPageSize = 20

// ProcessQuery names the process a user looks at. Without InstanceID the
// query is about starting a new process of FlowID.
type ProcessQuery struct {
	FlowID     string
	InstanceID string
	UserID     string
}

// ProcessView is a process as one user sees it, with the menus that user
// may pick.
type ProcessView struct {
	Flow           types.FlowDefinition    `json:"flow"`
	FormDefinition *types.FormDefinition   `json:"formDefinition,omitempty"`
	Instance       *types.WorkflowInstance `json:"instance,omitempty"`
	Form           *types.InstanceForm     `json:"form,omitempty"`
	Menus          []types.Menu            `json:"menus"`
	ExecutedNodes  []types.NodeRef         `json:"executedNodes,omitempty"`
	Editable       bool                    `json:"editable"`
}

// FlowImage is what a flow diagram is drawn from.
type FlowImage struct {
	FlowID        string `json:"flowId"`
	FlowJSON      string `json:"flowJson"`
	CurrentNodeID string `json:"currentNodeId,omitempty"`
}

// Page is one page of a list of instances.
type Page struct {
	Total int                      `json:"total"`
	Items []types.WorkflowInstance `json:"items"`
}

var viewMenus = []types.Menu{types.MenuApproval, types.MenuFlowImage, types.MenuReturn}

// GetProcess computes the view of a process for q.UserID without changing it.
func (e *Engine) GetProcess(ctx context.Context, q ProcessQuery) (view ProcessView, err error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.process", map[string]string{
		"flow.id":     q.FlowID,
		"instance.id": q.InstanceID,
		"user.id":     q.UserID,
	})
	defer func() { tracing.EndSpan(span, err) }()

	if q.UserID == "" {
		return ProcessView{}, fmt.Errorf("%w: userId", ErrMissingParameter)
	}
	if q.InstanceID == "" {
		return e.newProcess(ctx, q.FlowID)
	}

	inst, err := e.store.GetInstance(ctx, q.InstanceID)
	if err != nil {
		return ProcessView{}, err
	}
	if view.Flow, err = e.store.GetFlow(ctx, inst.FlowID); err != nil {
		return ProcessView{}, err
	}
	view.Instance = &inst
	link, err := e.store.GetInstanceForm(ctx, inst.InstanceID)
	switch {
	case err == nil:
		view.Form = &link
	case !errors.Is(err, storage.ErrNotFound):
		return ProcessView{}, err
	}

	view.Editable = inst.IsFinish == types.FinishDraft && inst.CreateUserID == q.UserID
	view.Menus, view.ExecutedNodes, err = e.menus(ctx, inst, q.UserID)
	if err != nil {
		return ProcessView{}, err
	}
	return view, nil
}

func (e *Engine) newProcess(ctx context.Context, flowID string) (ProcessView, error) {
	if flowID == "" {
		return ProcessView{}, fmt.Errorf("%w: flowId or instanceId", ErrMissingParameter)
	}
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return ProcessView{}, err
	}
	view := ProcessView{Flow: flow, Editable: true, Menus: []types.Menu{types.MenuSubmit, types.MenuSave, types.MenuReturn}}
	if flow.FormID == "" {
		return view, nil
	}
	form, err := e.store.GetForm(ctx, flow.FormID)
	if err != nil {
		return ProcessView{}, err
	}
	view.FormDefinition = &form
	if form.FormType == types.FormSystem {
		view.Menus = []types.Menu{types.MenuSubmit, types.MenuReturn}
	}
	return view, nil
}

// menus lists what userID may do with inst, and for Back the nodes it may
// be sent to.
func (e *Engine) menus(ctx context.Context, inst types.WorkflowInstance, userID string) ([]types.Menu, []types.NodeRef, error) {
	if inst.IsFinish == types.FinishDraft {
		if userID == inst.CreateUserID {
			return []types.Menu{types.MenuSubmit, types.MenuSave, types.MenuReturn}, nil, nil
		}
		return []types.Menu{types.MenuReturn}, nil, nil
	}
	if inst.Terminal() {
		return append([]types.Menu(nil), viewMenus...), nil, nil
	}

	gc, err := e.instanceGraph(inst)
	if err != nil {
		return nil, nil, err
	}
	current := gc.Current()
	ops, err := e.store.ListOperations(ctx, inst.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	var (
		menus    []types.Menu
		executed []types.NodeRef
	)
	switch gc.CurrentKind() {
	case types.KindBeginRound:
		if userID == inst.CreateUserID {
			menus = append(menus, types.MenuReSubmit)
		}
	case types.KindNormal, types.KindChatNode:
		res, err := e.resolver.Resolve(ctx, current)
		if err != nil {
			return nil, nil, err
		}
		if res.Makers().Empty() {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoExecutableType, current.ID)
		}
		if authorize(inst, ops, userID) == nil {
			menus = append(menus, types.MenuAgree, types.MenuDeprecate)
			if gc.CurrentKind() == types.KindNormal {
				menus = append(menus, types.MenuBack)
				executed = executedNodes(gc.Graph(), ops, current.ID)
			}
		}
	}
	if canStop(inst, gc, ops, userID) == nil {
		menus = append(menus, types.MenuStop)
	}
	return append(menus, viewMenus...), executed, nil
}

// executedNodes lists the nodes work was done at, other than current.
func executedNodes(g *graph.Graph, ops []types.OperationHistory, current string) []types.NodeRef {
	var refs []types.NodeRef
	for _, id := range history.ExecutedNodes(ops) {
		if id == current {
			continue
		}
		if node, ok := g.Node(id); ok {
			refs = append(refs, graph.Ref(node))
		}
	}
	return refs
}

// GetProcessForSystem finds the process a system form record belongs to
// from the form URL and the record key, and returns its view. A record
// without a process yields the view for starting one.
func (e *Engine) GetProcessForSystem(ctx context.Context, formURL, pageKey, userID string) (ProcessView, error) {
	if formURL == "" {
		return ProcessView{}, fmt.Errorf("%w: formUrl", ErrMissingParameter)
	}
	form, err := e.store.FindFormByURL(ctx, formURL)
	if err != nil {
		return ProcessView{}, err
	}
	flow, err := e.store.FindFlowByForm(ctx, form.FormID)
	if err != nil {
		return ProcessView{}, err
	}
	q := ProcessQuery{FlowID: flow.FlowID, UserID: userID}
	if pageKey != "" {
		link, err := e.store.FindInstanceFormByKey(ctx, form.FormID, pageKey)
		switch {
		case err == nil:
			q.InstanceID = link.InstanceID
		case !errors.Is(err, storage.ErrNotFound):
			return ProcessView{}, err
		}
	}
	return e.GetProcess(ctx, q)
}

// Approvals returns the operation history of an instance, oldest first.
func (e *Engine) Approvals(ctx context.Context, instanceID string) ([]types.OperationHistory, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("%w: instanceId", ErrMissingParameter)
	}
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return history.Approvals(ctx, e.store, instanceID)
}

// FlowImage returns the definition graph of flowID, or the graph an
// instance was started with together with its current node.
func (e *Engine) FlowImage(ctx context.Context, flowID, instanceID string) (FlowImage, error) {
	if instanceID != "" {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return FlowImage{}, err
		}
		if inst.FlowContent != "" {
			return FlowImage{FlowID: inst.FlowID, FlowJSON: inst.FlowContent, CurrentNodeID: inst.ActivityID}, nil
		}
		flowID = inst.FlowID
	}
	if flowID == "" {
		return FlowImage{}, fmt.Errorf("%w: flowId or instanceId", ErrMissingParameter)
	}
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return FlowImage{}, err
	}
	return FlowImage{FlowID: flow.FlowID, FlowJSON: flow.FlowJSON}, nil
}

// TodoList pages the running instances waiting for userID.
func (e *Engine) TodoList(ctx context.Context, userID string, page, size int) (Page, error) {
	if userID == "" {
		return Page{}, fmt.Errorf("%w: userId", ErrMissingParameter)
	}
	list, err := e.store.FindInstances(ctx, func(inst types.WorkflowInstance) bool {
		return inst.IsFinish == types.FinishRunning && inst.MakerList.Contains(userID)
	})
	if err != nil {
		return Page{}, err
	}
	return paginate(list, page, size), nil
}

// Initiated pages the instances userID created, drafts included.
func (e *Engine) Initiated(ctx context.Context, userID string, page, size int) (Page, error) {
	if userID == "" {
		return Page{}, fmt.Errorf("%w: userId", ErrMissingParameter)
	}
	list, err := e.store.FindInstances(ctx, func(inst types.WorkflowInstance) bool {
		return inst.CreateUserID == userID
	})
	if err != nil {
		return Page{}, err
	}
	return paginate(list, page, size), nil
}

// paginate cuts page (1-based) of size out of list.
func paginate(list []types.WorkflowInstance, page, size int) Page {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	out := Page{Total: len(list), Items: []types.WorkflowInstance{}}
	from := (page - 1) * size
	if from >= len(list) {
		return out
	}
	to := from + size
	if to > len(list) {
		to = len(list)
	}
	out.Items = list[from:to]
	return out
}
