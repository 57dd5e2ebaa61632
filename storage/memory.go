package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/songzhibin97/approval-engine/types"
)

// memState is the transactional part of MemoryStorage. Fields are
// exported so deepcopy can clone them.
type memState struct {
	Instances   map[string]types.WorkflowInstance
	Forms       map[string]types.InstanceForm
	FormKeys    map[string]string
	Operations  map[string][]types.OperationHistory
	Transitions map[string][]types.TransitionHistory
}

func newMemState() *memState {
	return &memState{
		Instances:   make(map[string]types.WorkflowInstance),
		Forms:       make(map[string]types.InstanceForm),
		FormKeys:    make(map[string]string),
		Operations:  make(map[string][]types.OperationHistory),
		Transitions: make(map[string][]types.TransitionHistory),
	}
}

// MemoryStorage is an in-memory implementation of the Storage interface.
// Units of work are serialized and run against a deep copy of the state
// that replaces the live state only on success.
type MemoryStorage struct {
	flows      map[string]types.FlowDefinition
	forms      map[string]types.FormDefinition
	conditions map[string]types.LineCondition
	state      *memState
	mu         sync.RWMutex
	txMu       sync.Mutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		flows:      make(map[string]types.FlowDefinition),
		forms:      make(map[string]types.FormDefinition),
		conditions: make(map[string]types.LineCondition),
		state:      newMemState(),
	}
}

func formKey(formID, key string) string {
	return formID + ":" + key
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, m map[string]T, kind, id string) (T, error) {
	return withContext(ctx, func() (T, error) {
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, notFound(kind, id)
		}
		return item, nil
	})
}

func (s *MemoryStorage) SaveFlow(ctx context.Context, flow types.FlowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.flows[flow.FlowID] = flow
		return nil
	})
}

func (s *MemoryStorage) SaveForm(ctx context.Context, form types.FormDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.forms[form.FormID] = form
		return nil
	})
}

func (s *MemoryStorage) SaveLineCondition(ctx context.Context, cond types.LineCondition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.conditions[cond.LineID] = cond
		return nil
	})
}

func (s *MemoryStorage) GetFlow(ctx context.Context, flowID string) (types.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.flows, "flow", flowID)
}

// FindFlowByForm returns the flow attached to formID. When several flows
// use the form, the one with the greatest id wins.
func (s *MemoryStorage) FindFlowByForm(ctx context.Context, formID string) (types.FlowDefinition, error) {
	return withContext(ctx, func() (types.FlowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var found *types.FlowDefinition
		for _, f := range s.flows {
			f := f
			if f.FormID == formID && (found == nil || f.FlowID > found.FlowID) {
				found = &f
			}
		}
		if found == nil {
			return types.FlowDefinition{}, notFound("flow for form", formID)
		}
		return *found, nil
	})
}

func (s *MemoryStorage) GetForm(ctx context.Context, formID string) (types.FormDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.forms, "form", formID)
}

func (s *MemoryStorage) FindFormByURL(ctx context.Context, url string) (types.FormDefinition, error) {
	return withContext(ctx, func() (types.FormDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, f := range s.forms {
			if f.FormURL == url {
				return f, nil
			}
		}
		return types.FormDefinition{}, notFound("form url", url)
	})
}

func (s *MemoryStorage) GetLineConditions(ctx context.Context, ids []string) (map[string]types.LineCondition, error) {
	return withContext(ctx, func() (map[string]types.LineCondition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make(map[string]types.LineCondition, len(ids))
		for _, id := range ids {
			if c, ok := s.conditions[id]; ok {
				out[id] = c
			}
		}
		return out, nil
	})
}

func (s *MemoryStorage) GetInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{store: s, state: s.state}).GetInstance(ctx, instanceID)
}

func (s *MemoryStorage) GetInstanceForm(ctx context.Context, instanceID string) (types.InstanceForm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{store: s, state: s.state}).GetInstanceForm(ctx, instanceID)
}

func (s *MemoryStorage) FindInstanceFormByKey(ctx context.Context, formID, key string) (types.InstanceForm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{store: s, state: s.state}).FindInstanceFormByKey(ctx, formID, key)
}

func (s *MemoryStorage) ListOperations(ctx context.Context, instanceID string) ([]types.OperationHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{store: s, state: s.state}).ListOperations(ctx, instanceID)
}

func (s *MemoryStorage) ListTransitions(ctx context.Context, instanceID string) ([]types.TransitionHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{store: s, state: s.state}).ListTransitions(ctx, instanceID)
}

func (s *MemoryStorage) FindInstances(ctx context.Context, pred func(types.WorkflowInstance) bool) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.state.Instances {
			if pred == nil || pred(inst) {
				out = append(out, inst)
			}
		}
		sortInstances(out)
		return out, nil
	})
}

// RunInTx serializes units of work. Conflicts cannot occur between them,
// but a stale Version passed to UpdateInstance still fails with ErrConflict.
func (s *MemoryStorage) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return withContextError(ctx, func() error {
		s.txMu.Lock()
		defer s.txMu.Unlock()

		s.mu.RLock()
		snapshot := deepcopy.Copy(s.state).(*memState)
		s.mu.RUnlock()

		if err := fn(&memTx{store: s, state: snapshot}); err != nil {
			return err
		}

		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return nil
	})
}

func (s *MemoryStorage) Close() error {
	return nil
}

// memTx reads flows and forms from the store and instance data from state.
type memTx struct {
	store *MemoryStorage
	state *memState
}

func (t *memTx) GetFlow(ctx context.Context, flowID string) (types.FlowDefinition, error) {
	return t.store.GetFlow(ctx, flowID)
}

func (t *memTx) FindFlowByForm(ctx context.Context, formID string) (types.FlowDefinition, error) {
	return t.store.FindFlowByForm(ctx, formID)
}

func (t *memTx) GetForm(ctx context.Context, formID string) (types.FormDefinition, error) {
	return t.store.GetForm(ctx, formID)
}

func (t *memTx) FindFormByURL(ctx context.Context, url string) (types.FormDefinition, error) {
	return t.store.FindFormByURL(ctx, url)
}

func (t *memTx) GetLineConditions(ctx context.Context, ids []string) (map[string]types.LineCondition, error) {
	return t.store.GetLineConditions(ctx, ids)
}

func (t *memTx) GetInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error) {
	return getItem(ctx, t.state.Instances, "instance", instanceID)
}

func (t *memTx) GetInstanceForm(ctx context.Context, instanceID string) (types.InstanceForm, error) {
	return getItem(ctx, t.state.Forms, "instance form", instanceID)
}

func (t *memTx) FindInstanceFormByKey(ctx context.Context, formID, key string) (types.InstanceForm, error) {
	instanceID, ok := t.state.FormKeys[formKey(formID, key)]
	if !ok {
		return types.InstanceForm{}, notFound("form key", formKey(formID, key))
	}
	return t.GetInstanceForm(ctx, instanceID)
}

func (t *memTx) ListOperations(ctx context.Context, instanceID string) ([]types.OperationHistory, error) {
	return withContext(ctx, func() ([]types.OperationHistory, error) {
		return append([]types.OperationHistory(nil), t.state.Operations[instanceID]...), nil
	})
}

func (t *memTx) ListTransitions(ctx context.Context, instanceID string) ([]types.TransitionHistory, error) {
	return withContext(ctx, func() ([]types.TransitionHistory, error) {
		return append([]types.TransitionHistory(nil), t.state.Transitions[instanceID]...), nil
	})
}

func (t *memTx) InsertInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		if _, ok := t.state.Instances[inst.InstanceID]; ok {
			return fmt.Errorf("%w: instance %s", ErrAlreadyExists, inst.InstanceID)
		}
		t.state.Instances[inst.InstanceID] = inst
		return nil
	})
}

func (t *memTx) UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		current, ok := t.state.Instances[inst.InstanceID]
		if !ok {
			return notFound("instance", inst.InstanceID)
		}
		if current.Version != inst.Version {
			return fmt.Errorf("%w: instance %s at version %d, got %d", ErrConflict, inst.InstanceID, current.Version, inst.Version)
		}
		inst.Version++
		t.state.Instances[inst.InstanceID] = inst
		return nil
	})
}

func (t *memTx) DeleteInstance(ctx context.Context, instanceID string) error {
	return withContextError(ctx, func() error {
		delete(t.state.Instances, instanceID)
		return nil
	})
}

func (t *memTx) SaveInstanceForm(ctx context.Context, form types.InstanceForm) error {
	return withContextError(ctx, func() error {
		if old, ok := t.state.Forms[form.InstanceID]; ok && old.FormType == types.FormSystem {
			delete(t.state.FormKeys, formKey(old.FormID, old.FormData))
		}
		t.state.Forms[form.InstanceID] = form
		if form.FormType == types.FormSystem {
			t.state.FormKeys[formKey(form.FormID, form.FormData)] = form.InstanceID
		}
		return nil
	})
}

func (t *memTx) DeleteInstanceForm(ctx context.Context, instanceID string) error {
	return withContextError(ctx, func() error {
		if old, ok := t.state.Forms[instanceID]; ok && old.FormType == types.FormSystem {
			delete(t.state.FormKeys, formKey(old.FormID, old.FormData))
		}
		delete(t.state.Forms, instanceID)
		return nil
	})
}

func (t *memTx) AppendOperation(ctx context.Context, op types.OperationHistory) error {
	return withContextError(ctx, func() error {
		t.state.Operations[op.InstanceID] = append(t.state.Operations[op.InstanceID], op)
		return nil
	})
}

func (t *memTx) AppendTransition(ctx context.Context, tr types.TransitionHistory) error {
	return withContextError(ctx, func() error {
		t.state.Transitions[tr.InstanceID] = append(t.state.Transitions[tr.InstanceID], tr)
		return nil
	})
}

func (t *memTx) DeleteHistory(ctx context.Context, instanceID string) error {
	return withContextError(ctx, func() error {
		delete(t.state.Operations, instanceID)
		delete(t.state.Transitions, instanceID)
		return nil
	})
}
