package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newInstance(id string, created time.Time) types.WorkflowInstance {
	return types.WorkflowInstance{
		InstanceID:   id,
		FlowID:       "flow-1",
		Code:         "1001",
		ActivityID:   "n1",
		ActivityName: "Manager",
		ActivityType: types.KindNormal,
		PreviousID:   "s",
		MakerList:    types.NewMakerList("a", "b"),
		IsFinish:     types.FinishRunning,
		Status:       types.StatusRunning,
		CreateUserID: "creator",
		FlowContent:  `{"nodes":[]}`,
		CreateTime:   created,
		UpdateTime:   created,
	}
}

// runStorageContract exercises the behaviour every Storage must share.
func runStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("Definitions", func(t *testing.T) {
		store := newStore(t)
		flow := types.FlowDefinition{FlowID: "flow-1", FlowName: "Leave", FlowJSON: `{}`, FormID: "form-1", CreateUserID: "admin"}
		form := types.FormDefinition{FormID: "form-1", FormType: types.FormSystem, FormURL: "/leave"}
		require.NoError(t, store.SaveFlow(ctx, flow))
		require.NoError(t, store.SaveForm(ctx, form))
		require.NoError(t, store.SaveLineCondition(ctx, types.LineCondition{LineID: "c1", Condition: "1"}))

		got, err := store.GetFlow(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, flow, got)

		got, err = store.FindFlowByForm(ctx, "form-1")
		require.NoError(t, err)
		assert.Equal(t, flow, got)

		gotForm, err := store.FindFormByURL(ctx, "/leave")
		require.NoError(t, err)
		assert.Equal(t, form, gotForm)

		conds, err := store.GetLineConditions(ctx, []string{"c1", "missing"})
		require.NoError(t, err)
		assert.Equal(t, map[string]types.LineCondition{"c1": {LineID: "c1", Condition: "1"}}, conds)

		_, err = store.GetFlow(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetForm(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindFormByURL(ctx, "/nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindFlowByForm(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InsertAndUpdate", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance("i1", baseTime)

		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertInstance(ctx, inst)
		}))
		got, err := store.GetInstance(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, inst, got)

		err = store.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertInstance(ctx, inst)
		})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			cur, err := tx.GetInstance(ctx, "i1")
			if err != nil {
				return err
			}
			cur.MakerList = cur.MakerList.Without("a")
			if err := tx.UpdateInstance(ctx, cur); err != nil {
				return err
			}
			again, err := tx.GetInstance(ctx, "i1")
			if err != nil {
				return err
			}
			assert.Equal(t, int64(1), again.Version)
			assert.Equal(t, []string{"b"}, again.MakerList.IDs)
			return nil
		}))

		got, err = store.GetInstance(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "b,", got.MakerList.String())

		_, err = store.GetInstance(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("StaleVersion", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance("i1", baseTime)
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error { return tx.InsertInstance(ctx, inst) }))

		stale := inst
		stale.Version = 7
		err := store.RunInTx(ctx, func(tx Tx) error { return tx.UpdateInstance(ctx, stale) })
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("Rollback", func(t *testing.T) {
		store := newStore(t)
		boom := errors.New("boom")
		err := store.RunInTx(ctx, func(tx Tx) error {
			if err := tx.InsertInstance(ctx, newInstance("i1", baseTime)); err != nil {
				return err
			}
			if err := tx.AppendOperation(ctx, types.OperationHistory{OperationID: "o1", InstanceID: "i1"}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = store.GetInstance(ctx, "i1")
		assert.ErrorIs(t, err, ErrNotFound)
		ops, err := store.ListOperations(ctx, "i1")
		require.NoError(t, err)
		assert.Empty(t, ops)
	})

	t.Run("History", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			for _, id := range []string{"o1", "o2", "o3"} {
				if err := tx.AppendOperation(ctx, types.OperationHistory{OperationID: id, InstanceID: "i1", TransitionType: types.MenuAgree}); err != nil {
					return err
				}
			}
			if err := tx.AppendTransition(ctx, types.TransitionHistory{TransitionID: "t1", InstanceID: "i1",
				From: types.NodeRef{ID: "s"}, To: types.NodeRef{ID: "n1"}}); err != nil {
				return err
			}
			ops, err := tx.ListOperations(ctx, "i1")
			if err != nil {
				return err
			}
			assert.Len(t, ops, 3)
			return nil
		}))

		ops, err := store.ListOperations(ctx, "i1")
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, "o1", ops[0].OperationID)
		assert.Equal(t, "o3", ops[2].OperationID)

		trs, err := store.ListTransitions(ctx, "i1")
		require.NoError(t, err)
		require.Len(t, trs, 1)
		assert.Equal(t, "n1", trs[0].To.ID)

		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			if err := tx.DeleteHistory(ctx, "i1"); err != nil {
				return err
			}
			ops, err := tx.ListOperations(ctx, "i1")
			if err != nil {
				return err
			}
			assert.Empty(t, ops)
			return nil
		}))
		ops, err = store.ListOperations(ctx, "i1")
		require.NoError(t, err)
		assert.Empty(t, ops)
		trs, err = store.ListTransitions(ctx, "i1")
		require.NoError(t, err)
		assert.Empty(t, trs)
	})

	t.Run("InstanceForms", func(t *testing.T) {
		store := newStore(t)
		form := types.InstanceForm{ID: "f1", InstanceID: "i1", FormID: "form-1", FormType: types.FormSystem, FormData: "order-42"}
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error { return tx.SaveInstanceForm(ctx, form) }))

		got, err := store.GetInstanceForm(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, form, got)

		got, err = store.FindInstanceFormByKey(ctx, "form-1", "order-42")
		require.NoError(t, err)
		assert.Equal(t, "i1", got.InstanceID)

		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error { return tx.DeleteInstanceForm(ctx, "i1") }))
		_, err = store.GetInstanceForm(ctx, "i1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.FindInstanceFormByKey(ctx, "form-1", "order-42")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("FindInstances", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			for i, id := range []string{"c", "a", "b"} {
				inst := newInstance(id, baseTime.Add(time.Duration(i)*time.Minute))
				if id == "b" {
					inst.CreateUserID = "other"
				}
				if err := tx.InsertInstance(ctx, inst); err != nil {
					return err
				}
			}
			return nil
		}))

		all, err := store.FindInstances(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "c", all[0].InstanceID)
		assert.Equal(t, "b", all[2].InstanceID)

		mine, err := store.FindInstances(ctx, func(inst types.WorkflowInstance) bool {
			return inst.CreateUserID == "creator"
		})
		require.NoError(t, err)
		require.Len(t, mine, 2)

		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error { return tx.DeleteInstance(ctx, "a") }))
		all, err = store.FindInstances(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		store := newStore(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.GetInstance(cancelled, "i1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
