package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

func TestEngineOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	store := storage.NewRedisStorageWithClient(client, "it", storage.RetryPolicy{})
	seed(t, store)
	dir := directory.NewRedisDirectory(client, "it")
	require.NoError(t, dir.AddRoleMembers(ctx, "finance", "f1", "f2"))

	sub := client.Subscribe(ctx, "orders")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	engine, err := NewEngine(&MockGenerator{}, store,
		WithDirectory(dir),
		WithPublisher(events.NewRedisPublisher(client)),
	)
	require.NoError(t, err)
	defer engine.Close()

	res, err := engine.Create(ctx, TransitionRequest{
		FlowID: "order", ActorID: "alice", FormData: "order-9",
		Notify: &Notify{Topic: "orders", KeyValue: "order-9"},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	id := res.Instance.InstanceID

	msg := <-sub.Channel()
	assert.Contains(t, msg.Payload, `"key_value":"order-9"`)

	for _, actor := range []string{"mgr", "f1", "a", "b", "c"} {
		res, err = engine.ProcessTransition(ctx, TransitionRequest{InstanceID: id, Menu: types.MenuAgree, ActorID: actor})
		require.NoError(t, err)
		require.True(t, res.Success, "%s: %s", actor, res.Message)
	}

	inst, err := store.GetInstance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "e", inst.ActivityID)
	assert.Equal(t, types.StatusFinished, inst.Status)
	assert.Equal(t, int64(5), inst.Version)

	ops, err := engine.Approvals(ctx, id)
	require.NoError(t, err)
	assert.Len(t, ops, 6)

	link, err := store.FindInstanceFormByKey(ctx, "order", "order-9")
	require.NoError(t, err)
	assert.Equal(t, id, link.InstanceID)
}

func TestConcurrentCreateForOneRecord(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	store := storage.NewRedisStorageWithClient(client, "race", storage.DefaultRetryPolicy)
	seed(t, store)
	engine, err := NewEngine(&MockGenerator{}, store)
	require.NoError(t, err)
	defer engine.Close()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
		refused int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Create(ctx, TransitionRequest{FlowID: "order", ActorID: "alice", FormData: "order-7"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				created = append(created, res.Instance.InstanceID)
			} else {
				assert.Contains(t, res.Message, ErrIllegalOperation.Error())
				refused++
			}
		}()
	}
	wg.Wait()

	require.Len(t, created, 1)
	assert.Equal(t, workers-1, refused)

	link, err := store.FindInstanceFormByKey(ctx, "order", "order-7")
	require.NoError(t, err)
	assert.Equal(t, created[0], link.InstanceID)

	page, err := engine.Initiated(ctx, "alice", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
