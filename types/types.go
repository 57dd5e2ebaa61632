package types

import "time"

// FlowDefinition is one version of an authored flow. The engine only reads it.
type FlowDefinition struct {
	FlowID       string `json:"flow_id"`
	FlowName     string `json:"flow_name"`
	FlowJSON     string `json:"flow_json"`
	FormID       string `json:"form_id"`
	CreateUserID string `json:"create_user_id"`
}

// FormDefinition describes the form a flow is attached to.
type FormDefinition struct {
	FormID   string   `json:"form_id"`
	FormType FormType `json:"form_type"`
	Content  string   `json:"content"`
	FormURL  string   `json:"form_url"`
}

// LineCondition is the persisted condition of a System line. Condition is
// either the literal marker "1"/"0" or a boolean expression over form data.
type LineCondition struct {
	LineID    string `json:"line_id"`
	Condition string `json:"condition"`
}

// FlowNode is a step of the flow graph.
type FlowNode struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Type        NodeType     `json:"type"`
	Designation Designation  `json:"-"`
	Chat        *ChatSetting `json:"chat,omitempty"`
}

// ChatSetting is present only on counter-signing nodes.
type ChatSetting struct {
	ChatType ChatType `json:"chat_type"`
	VoteRule VoteRule `json:"vote_rule"`
}

// FlowLine is a directed edge between two nodes.
type FlowLine struct {
	ID       string   `json:"id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	LineType LineType `json:"line_type"`
	// ConditionID references a LineCondition for System lines.
	ConditionID string `json:"condition_id,omitempty"`
}

// ChatRound is the snapshot taken when a counter-signing round begins.
type ChatRound struct {
	NodeID string   `json:"node_id"`
	Roster []string `json:"roster"`
	// Mark is the number of operation rows the instance had when the
	// round began; only rows after it count as votes of this round.
	Mark int `json:"mark"`
}

// WorkflowInstance is the mutable state of one running process.
type WorkflowInstance struct {
	InstanceID     string      `json:"instance_id"`
	FlowID         string      `json:"flow_id"`
	Code           string      `json:"code"`
	ActivityID     string      `json:"activity_id"`
	ActivityName   string      `json:"activity_name"`
	ActivityType   NodeKind    `json:"activity_type"`
	PreviousID     string      `json:"previous_id"`
	MakerList      MakerList   `json:"maker_list"`
	IsFinish       FinishState `json:"is_finish"`
	Status         FlowStatus  `json:"status"`
	CreateUserID   string      `json:"create_user_id"`
	CreateUserName string      `json:"create_user_name"`
	FlowContent    string      `json:"flow_content"`
	Round          *ChatRound  `json:"round,omitempty"`
	Version        int64       `json:"version"`
	CreateTime     time.Time   `json:"create_time"`
	UpdateTime     time.Time   `json:"update_time"`
}

// Terminal reports whether no forward transition is legal any more.
func (w WorkflowInstance) Terminal() bool {
	return w.IsFinish == FinishFinished || w.IsFinish == FinishDeprecated
}

// InstanceForm links an instance to its externally owned form content.
type InstanceForm struct {
	ID           string   `json:"id"`
	InstanceID   string   `json:"instance_id"`
	FormID       string   `json:"form_id"`
	FormType     FormType `json:"form_type"`
	FormContent  string   `json:"form_content"`
	FormData     string   `json:"form_data"`
	FormURL      string   `json:"form_url"`
	CreateUserID string   `json:"create_user_id"`
}

// OperationHistory records what an actor intended. Written once.
type OperationHistory struct {
	OperationID    string    `json:"operation_id"`
	InstanceID     string    `json:"instance_id"`
	NodeID         string    `json:"node_id"`
	NodeName       string    `json:"node_name"`
	ActorID        string    `json:"actor_id"`
	ActorName      string    `json:"actor_name"`
	Content        string    `json:"content"`
	TransitionType Menu      `json:"transition_type"`
	CreateTime     time.Time `json:"create_time"`
}

// NodeRef identifies a node inside history rows and menus.
type NodeRef struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type NodeKind `json:"type"`
}

// TransitionHistory records an actual movement through the graph. Written once.
type TransitionHistory struct {
	TransitionID    string          `json:"transition_id"`
	InstanceID      string          `json:"instance_id"`
	From            NodeRef         `json:"from"`
	To              NodeRef         `json:"to"`
	TransitionState TransitionState `json:"transition_state"`
	IsFinish        FinishState     `json:"is_finish"`
	ActorID         string          `json:"actor_id"`
	ActorName       string          `json:"actor_name"`
	CreateTime      time.Time       `json:"create_time"`
}

// StatusChange is the payload announced to the system owning a form.
type StatusChange struct {
	InstanceID string     `json:"instance_id"`
	Target     string     `json:"target"`
	KeyValue   string     `json:"key_value"`
	Status     FlowStatus `json:"status"`
	FlowTime   int64      `json:"flow_time"`
}
