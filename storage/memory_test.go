package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

func TestMemoryStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})

	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store.flows)
		assert.Empty(t, store.state.Instances)
		assert.NoError(t, store.Close())
	})

	t.Run("SnapshotIsolation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertInstance(ctx, newInstance("i1", baseTime))
		}))

		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			inst, err := tx.GetInstance(ctx, "i1")
			if err != nil {
				return err
			}
			inst.ActivityID = "n2"
			if err := tx.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			live, err := store.GetInstance(ctx, "i1")
			if err != nil {
				return err
			}
			assert.Equal(t, "n1", live.ActivityID, "uncommitted write leaked")
			return nil
		}))

		got, err := store.GetInstance(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, "n2", got.ActivityID)
	})

	t.Run("ConcurrentUnitsOfWork", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		require.NoError(t, store.RunInTx(ctx, func(tx Tx) error {
			return tx.InsertInstance(ctx, newInstance("i1", baseTime))
		}))

		const workers = 50
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				err := store.RunInTx(ctx, func(tx Tx) error {
					inst, err := tx.GetInstance(ctx, "i1")
					if err != nil {
						return err
					}
					if err := tx.UpdateInstance(ctx, inst); err != nil {
						return err
					}
					return tx.AppendOperation(ctx, types.OperationHistory{InstanceID: "i1", TransitionType: types.MenuAgree})
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := store.GetInstance(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, int64(workers), got.Version)
		ops, err := store.ListOperations(ctx, "i1")
		require.NoError(t, err)
		assert.Len(t, ops, workers)
	})
}
