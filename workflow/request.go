package workflow

import "github.com/songzhibin97/approval-engine/types"

// Notify names the channel and record a status change is announced for.
type Notify struct {
	Topic    string `json:"topic"`
	KeyValue string `json:"keyValue"`
}

// TransitionRequest asks the engine to perform Menu on behalf of an actor.
//
// FlowID is only read by Submit and Save when no instance exists yet.
// FormData is the custom form content, or the external record key of a
// system form. RejectKind and RejectNodeID are only read by Back.
type TransitionRequest struct {
	FlowID       string           `json:"flowId,omitempty"`
	InstanceID   string           `json:"instanceId,omitempty"`
	Menu         types.Menu       `json:"menu"`
	ActorID      string           `json:"userId"`
	ActorName    string           `json:"userName"`
	Content      string           `json:"content,omitempty"`
	FormData     string           `json:"formData,omitempty"`
	RejectKind   types.RejectKind `json:"rejectKind,omitempty"`
	RejectNodeID string           `json:"rejectNodeId,omitempty"`
	Notify       *Notify          `json:"notify,omitempty"`
}

// Result is what a transition reports back. A refused request has
// Success false and the reason in Message.
type Result struct {
	Success  bool                    `json:"success"`
	Message  string                  `json:"message,omitempty"`
	Instance *types.WorkflowInstance `json:"instance,omitempty"`
}

// outcome collects what a committed transition did.
type outcome struct {
	instance types.WorkflowInstance
	from     types.FlowNode
	to       types.FlowNode
	deleted  bool
	publish  bool
}
