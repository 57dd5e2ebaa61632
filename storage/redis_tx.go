package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

// redisTx buffers writes and overlays them on reads, so a unit of work
// sees its own changes before they are committed.
type redisTx struct {
	redisReader
	rtx *redis.Tx

	instances   map[string]*types.WorkflowInstance
	forms       map[string]*types.InstanceForm
	operations  map[string][]types.OperationHistory
	transitions map[string][]types.TransitionHistory
	cleared     map[string]bool
	writes      []func(ctx context.Context, pipe redis.Pipeliner) error
}

func newRedisTx(s *RedisStorage, rtx *redis.Tx) *redisTx {
	return &redisTx{
		redisReader: redisReader{store: s, cmd: rtx},
		rtx:         rtx,
		instances:   make(map[string]*types.WorkflowInstance),
		forms:       make(map[string]*types.InstanceForm),
		operations:  make(map[string][]types.OperationHistory),
		transitions: make(map[string][]types.TransitionHistory),
		cleared:     make(map[string]bool),
	}
}

func (t *redisTx) watch(ctx context.Context, keys ...string) error {
	if err := t.rtx.Watch(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to watch %v: %v", keys, err)
	}
	return nil
}

func (t *redisTx) commit(ctx context.Context) error {
	if len(t.writes) == 0 {
		return nil
	}
	_, err := t.rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range t.writes {
			if err := w(ctx, pipe); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

func (t *redisTx) set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) error {
		return pipe.Set(ctx, key, data, 0).Err()
	})
	return nil
}

func (t *redisTx) del(keys ...string) {
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) error {
		return pipe.Del(ctx, keys...).Err()
	})
}

func (t *redisTx) GetFlow(ctx context.Context, flowID string) (types.FlowDefinition, error) {
	return t.store.GetFlow(ctx, flowID)
}

func (t *redisTx) FindFlowByForm(ctx context.Context, formID string) (types.FlowDefinition, error) {
	return t.store.FindFlowByForm(ctx, formID)
}

func (t *redisTx) GetForm(ctx context.Context, formID string) (types.FormDefinition, error) {
	return t.store.GetForm(ctx, formID)
}

func (t *redisTx) FindFormByURL(ctx context.Context, url string) (types.FormDefinition, error) {
	return t.store.FindFormByURL(ctx, url)
}

func (t *redisTx) GetLineConditions(ctx context.Context, ids []string) (map[string]types.LineCondition, error) {
	return t.store.GetLineConditions(ctx, ids)
}

func (t *redisTx) GetInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error) {
	if inst, ok := t.instances[instanceID]; ok {
		if inst == nil {
			return types.WorkflowInstance{}, notFound("instance", instanceID)
		}
		return *inst, nil
	}
	if err := t.watch(ctx, t.store.key(instanceKey, instanceID)); err != nil {
		return types.WorkflowInstance{}, err
	}
	return t.redisReader.GetInstance(ctx, instanceID)
}

func (t *redisTx) GetInstanceForm(ctx context.Context, instanceID string) (types.InstanceForm, error) {
	if form, ok := t.forms[instanceID]; ok {
		if form == nil {
			return types.InstanceForm{}, notFound("instance form", instanceID)
		}
		return *form, nil
	}
	if err := t.watch(ctx, t.store.key(instanceFormKey, instanceID)); err != nil {
		return types.InstanceForm{}, err
	}
	return t.redisReader.GetInstanceForm(ctx, instanceID)
}

func (t *redisTx) FindInstanceFormByKey(ctx context.Context, formID, key string) (types.InstanceForm, error) {
	for _, form := range t.forms {
		if form != nil && form.FormType == types.FormSystem && form.FormID == formID && form.FormData == key {
			return *form, nil
		}
	}
	if err := t.watch(ctx, t.store.key(formIndexKey, formID, key)); err != nil {
		return types.InstanceForm{}, err
	}
	return t.redisReader.FindInstanceFormByKey(ctx, formID, key)
}

func (t *redisTx) ListOperations(ctx context.Context, instanceID string) ([]types.OperationHistory, error) {
	var stored []types.OperationHistory
	if !t.cleared[instanceID] {
		var err error
		if stored, err = t.redisReader.ListOperations(ctx, instanceID); err != nil {
			return nil, err
		}
	}
	return append(stored, t.operations[instanceID]...), nil
}

func (t *redisTx) ListTransitions(ctx context.Context, instanceID string) ([]types.TransitionHistory, error) {
	var stored []types.TransitionHistory
	if !t.cleared[instanceID] {
		var err error
		if stored, err = t.redisReader.ListTransitions(ctx, instanceID); err != nil {
			return nil, err
		}
	}
	return append(stored, t.transitions[instanceID]...), nil
}

func (t *redisTx) InsertInstance(ctx context.Context, inst types.WorkflowInstance) error {
	_, err := t.GetInstance(ctx, inst.InstanceID)
	if err == nil {
		return fmt.Errorf("%w: instance %s", ErrAlreadyExists, inst.InstanceID)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return t.putInstance(inst)
}

func (t *redisTx) UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	current, err := t.GetInstance(ctx, inst.InstanceID)
	if err != nil {
		return err
	}
	if current.Version != inst.Version {
		return fmt.Errorf("%w: instance %s at version %d, got %d", ErrConflict, inst.InstanceID, current.Version, inst.Version)
	}
	inst.Version++
	return t.putInstance(inst)
}

func (t *redisTx) putInstance(inst types.WorkflowInstance) error {
	if err := t.set(t.store.key(instanceKey, inst.InstanceID), inst); err != nil {
		return err
	}
	setKey := t.store.key(instanceSetKey)
	id := inst.InstanceID
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) error {
		return pipe.SAdd(ctx, setKey, id).Err()
	})
	t.instances[inst.InstanceID] = &inst
	return nil
}

func (t *redisTx) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := t.watch(ctx, t.store.key(instanceKey, instanceID)); err != nil {
		return err
	}
	t.del(t.store.key(instanceKey, instanceID))
	setKey := t.store.key(instanceSetKey)
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) error {
		return pipe.SRem(ctx, setKey, instanceID).Err()
	})
	t.instances[instanceID] = nil
	return nil
}

func (t *redisTx) SaveInstanceForm(ctx context.Context, form types.InstanceForm) error {
	old, err := t.GetInstanceForm(ctx, form.InstanceID)
	switch {
	case err == nil && old.FormType == types.FormSystem:
		t.del(t.store.key(formIndexKey, old.FormID, old.FormData))
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	if err := t.set(t.store.key(instanceFormKey, form.InstanceID), form); err != nil {
		return err
	}
	if form.FormType == types.FormSystem {
		indexKey := t.store.key(formIndexKey, form.FormID, form.FormData)
		id := form.InstanceID
		t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) error {
			return pipe.Set(ctx, indexKey, id, 0).Err()
		})
	}
	t.forms[form.InstanceID] = &form
	return nil
}

func (t *redisTx) DeleteInstanceForm(ctx context.Context, instanceID string) error {
	old, err := t.GetInstanceForm(ctx, instanceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && old.FormType == types.FormSystem {
		t.del(t.store.key(formIndexKey, old.FormID, old.FormData))
	}
	t.del(t.store.key(instanceFormKey, instanceID))
	t.forms[instanceID] = nil
	return nil
}

func (t *redisTx) AppendOperation(ctx context.Context, op types.OperationHistory) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation %s: %v", op.OperationID, err)
	}
	key := t.store.key(operationsKey, op.InstanceID)
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) error {
		return pipe.RPush(ctx, key, data).Err()
	})
	t.operations[op.InstanceID] = append(t.operations[op.InstanceID], op)
	return nil
}

func (t *redisTx) AppendTransition(ctx context.Context, tr types.TransitionHistory) error {
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal transition %s: %v", tr.TransitionID, err)
	}
	key := t.store.key(transitionsKey, tr.InstanceID)
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) error {
		return pipe.RPush(ctx, key, data).Err()
	})
	t.transitions[tr.InstanceID] = append(t.transitions[tr.InstanceID], tr)
	return nil
}

func (t *redisTx) DeleteHistory(ctx context.Context, instanceID string) error {
	t.del(t.store.key(operationsKey, instanceID), t.store.key(transitionsKey, instanceID))
	t.operations[instanceID] = nil
	t.transitions[instanceID] = nil
	t.cleared[instanceID] = true
	return nil
}
