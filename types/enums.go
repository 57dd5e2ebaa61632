package types

import "fmt"

// NodeType is the type a node is declared with in the flow JSON.
type NodeType string

const (
	NodeStart  NodeType = "start"
	NodeNormal NodeType = "node"
	NodeChat   NodeType = "chat"
	NodeEnd    NodeType = "end"
)

// NodeKind is the runtime classification used by transition logic.
// The start node of a flow opens the round (BeginRound) and the end node
// closes it (EndRound).
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindBeginRound
	KindNormal
	KindChatNode
	KindEndRound
)

func (k NodeKind) String() string {
	switch k {
	case KindBeginRound:
		return "BeginRound"
	case KindNormal:
		return "Normal"
	case KindChatNode:
		return "ChatNode"
	case KindEndRound:
		return "EndRound"
	default:
		return "Unknown"
	}
}

// FinishState is the instance's IsFinish field. FinishDraft stands for the
// null value of an instance that was saved but never submitted.
type FinishState int

const (
	FinishDraft FinishState = iota
	FinishRunning
	FinishFinished
	FinishDeprecated
)

// FinishFor maps the kind of the node an instance lands on to its IsFinish value.
func FinishFor(k NodeKind) FinishState {
	if k == KindEndRound {
		return FinishFinished
	}
	return FinishRunning
}

// FlowStatus is the lifecycle status exposed to form owners.
type FlowStatus int

const (
	StatusUnSubmit FlowStatus = iota
	StatusRunning
	StatusFinished
	StatusDeprecated
	StatusBack
)

func (s FlowStatus) String() string {
	switch s {
	case StatusUnSubmit:
		return "UnSubmit"
	case StatusRunning:
		return "Running"
	case StatusFinished:
		return "Finished"
	case StatusDeprecated:
		return "Deprecated"
	case StatusBack:
		return "Back"
	default:
		return "Unknown"
	}
}

// Menu is an action offered to, or requested by, an actor.
type Menu int

const (
	MenuSubmit Menu = iota + 1
	MenuReSubmit
	MenuAgree
	MenuDeprecate
	MenuBack
	MenuStop
	MenuSave
	MenuReturn
	MenuFlowImage
	MenuApproval
)

var menuNames = map[Menu]string{
	MenuSubmit:    "submit",
	MenuReSubmit:  "resubmit",
	MenuAgree:     "agree",
	MenuDeprecate: "deprecate",
	MenuBack:      "back",
	MenuStop:      "stop",
	MenuSave:      "save",
	MenuReturn:    "return",
	MenuFlowImage: "flowimage",
	MenuApproval:  "approval",
}

func (m Menu) String() string {
	if n, ok := menuNames[m]; ok {
		return n
	}
	return "unknown"
}

// MarshalText encodes a menu by its name.
func (m Menu) MarshalText() ([]byte, error) {
	if m == 0 {
		return []byte{}, nil
	}
	return []byte(m.String()), nil
}

func (m *Menu) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*m = 0
		return nil
	}
	v, ok := ParseMenu(string(text))
	if !ok {
		return fmt.Errorf("unknown menu %q", text)
	}
	*m = v
	return nil
}

// ParseMenu resolves a menu by its name.
func ParseMenu(name string) (Menu, bool) {
	for m, n := range menuNames {
		if n == name {
			return m, true
		}
	}
	return 0, false
}

// TransitionState tells a forward movement from a rejection.
type TransitionState int

const (
	TransitionNormal TransitionState = iota
	TransitionReject
)

// FormType tells who owns the form data.
type FormType int

const (
	FormSystem FormType = iota
	FormCustom
)

// ChatType selects the counter-signing mode.
type ChatType string

const (
	ChatParallel ChatType = "parallel"
	ChatSerial   ChatType = "serial"
)

// VoteRule decides a counter-signing outcome.
type VoteRule string

const (
	VoteMoreThanHalf VoteRule = "moreThanHalf"
	VoteUnanimous    VoteRule = "unanimous"
)

// LineType distinguishes plain edges from edges with a persisted condition.
type LineType string

const (
	LineUser   LineType = "user"
	LineSystem LineType = "system"
)

// RejectKind selects how a Back action finds its target.
type RejectKind int

const (
	RejectToPrevious RejectKind = iota + 1
	RejectToSpecific
)
