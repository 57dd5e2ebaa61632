package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Actor is the user a history row is written for.
type Actor struct {
	ID   string
	Name string
}

// Recorder appends operation and transition rows. Rows are never updated;
// Clear is the only way to remove them.
type Recorder struct {
	newID func() string
	now   func() time.Time
}

// NewRecorder returns a Recorder using uuid ids and UTC wall clock time
// unless overridden.
func NewRecorder(newID func() string, now func() time.Time) *Recorder {
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Recorder{newID: newID, now: now}
}

// Operation records what actor asked for at node.
func (r *Recorder) Operation(ctx context.Context, tx storage.Tx, instanceID string, node types.FlowNode, actor Actor, content string, menu types.Menu) (types.OperationHistory, error) {
	op := types.OperationHistory{
		OperationID:    r.newID(),
		InstanceID:     instanceID,
		NodeID:         node.ID,
		NodeName:       node.Name,
		ActorID:        actor.ID,
		ActorName:      actor.Name,
		Content:        content,
		TransitionType: menu,
		CreateTime:     r.now(),
	}
	if err := tx.AppendOperation(ctx, op); err != nil {
		return types.OperationHistory{}, fmt.Errorf("append operation: %w", err)
	}
	return op, nil
}

// Transition records a movement from one node to another. A counter-signing
// vote that does not move the instance is recorded with from == to.
func (r *Recorder) Transition(ctx context.Context, tx storage.Tx, instanceID string, from, to types.FlowNode, state types.TransitionState, finish types.FinishState, actor Actor) (types.TransitionHistory, error) {
	tr := types.TransitionHistory{
		TransitionID:    r.newID(),
		InstanceID:      instanceID,
		From:            graph.Ref(from),
		To:              graph.Ref(to),
		TransitionState: state,
		IsFinish:        finish,
		ActorID:         actor.ID,
		ActorName:       actor.Name,
		CreateTime:      r.now(),
	}
	if err := tx.AppendTransition(ctx, tr); err != nil {
		return types.TransitionHistory{}, fmt.Errorf("append transition: %w", err)
	}
	return tr, nil
}

// Clear removes every row of an instance.
func (r *Recorder) Clear(ctx context.Context, tx storage.Tx, instanceID string) error {
	if err := tx.DeleteHistory(ctx, instanceID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Approvals returns the operation rows of an instance, oldest first.
func Approvals(ctx context.Context, r storage.Reader, instanceID string) ([]types.OperationHistory, error) {
	ops, err := r.ListOperations(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreateTime.Before(ops[j].CreateTime)
	})
	return ops, nil
}

// ExecutedNodes lists, once each and in order, the nodes where a Submit or
// Agree was recorded.
func ExecutedNodes(ops []types.OperationHistory) []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range ops {
		if op.TransitionType != types.MenuAgree && op.TransitionType != types.MenuSubmit {
			continue
		}
		if !seen[op.NodeID] {
			seen[op.NodeID] = true
			out = append(out, op.NodeID)
		}
	}
	return out
}

// Trail lists, once each and in order, the nodes an instance passed through.
func Trail(trs []types.TransitionHistory) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(trs)+1)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, tr := range trs {
		add(tr.From.ID)
		add(tr.To.ID)
	}
	return out
}
