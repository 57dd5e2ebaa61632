package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/approval-engine/types"
)

const (
	flowKey         = "flow"
	flowByFormKey   = "flow-form"
	formDefKey      = "form"
	formURLKey      = "form-url"
	lineKey         = "line"
	instanceKey     = "instance"
	instanceSetKey  = "instances"
	instanceFormKey = "instance-form"
	formIndexKey    = "form-key"
	operationsKey   = "ops"
	transitionsKey  = "transitions"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Units of work WATCH every instance key they read and commit their
// buffered writes in a single MULTI/EXEC.
type RedisStorage struct {
	client    *redis.Client
	namespace string
	retry     RetryPolicy
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	Namespace    string
	Retry        RetryPolicy
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return NewRedisStorageWithClient(client, opts.Namespace, opts.Retry), nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client, namespace string, retry RetryPolicy) *RedisStorage {
	if namespace == "" {
		namespace = "approval"
	}
	if retry.MaxRetries == 0 {
		retry = DefaultRetryPolicy
	}
	return &RedisStorage{client: client, namespace: namespace, retry: retry}
}

// Client exposes the underlying client so directory and publisher can share the pool.
func (s *RedisStorage) Client() *redis.Client {
	return s.client
}

func (s *RedisStorage) key(args ...string) string {
	return fmt.Sprintf("%s:%s", s.namespace, strings.Join(args, ":"))
}

// getFromRedis retrieves and unmarshals a value stored as JSON at key.
func getFromRedis[T any](ctx context.Context, cmd redis.Cmdable, key, kind, id string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := cmd.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, notFound(kind, id)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// listFromRedis reads a list of JSON values.
func listFromRedis[T any](ctx context.Context, cmd redis.Cmdable, key string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		raw, err := cmd.LRange(ctx, key, 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read %s from Redis: %v", key, err)
		}
		out := make([]T, 0, len(raw))
		for _, r := range raw {
			var item T
			if err := json.Unmarshal([]byte(r), &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

// saveToRedis stores value as JSON at key, plus any index entries.
func (s *RedisStorage) saveToRedis(ctx context.Context, key string, value interface{}, index map[string]string) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, key, data, 0)
		for k, v := range index {
			pipe.Set(ctx, k, v, 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

func (s *RedisStorage) SaveFlow(ctx context.Context, flow types.FlowDefinition) error {
	index := map[string]string{}
	if flow.FormID != "" {
		index[s.key(flowByFormKey, flow.FormID)] = flow.FlowID
	}
	return s.saveToRedis(ctx, s.key(flowKey, flow.FlowID), flow, index)
}

func (s *RedisStorage) SaveForm(ctx context.Context, form types.FormDefinition) error {
	index := map[string]string{}
	if form.FormURL != "" {
		index[s.key(formURLKey, form.FormURL)] = form.FormID
	}
	return s.saveToRedis(ctx, s.key(formDefKey, form.FormID), form, index)
}

func (s *RedisStorage) SaveLineCondition(ctx context.Context, cond types.LineCondition) error {
	return s.saveToRedis(ctx, s.key(lineKey, cond.LineID), cond, nil)
}

func (s *RedisStorage) GetFlow(ctx context.Context, flowID string) (types.FlowDefinition, error) {
	return getFromRedis[types.FlowDefinition](ctx, s.client, s.key(flowKey, flowID), "flow", flowID)
}

// FindFlowByForm returns the flow most recently saved for formID.
func (s *RedisStorage) FindFlowByForm(ctx context.Context, formID string) (types.FlowDefinition, error) {
	flowID, err := s.client.Get(ctx, s.key(flowByFormKey, formID)).Result()
	if errors.Is(err, redis.Nil) {
		return types.FlowDefinition{}, notFound("flow for form", formID)
	} else if err != nil {
		return types.FlowDefinition{}, fmt.Errorf("failed to read flow of form %s: %v", formID, err)
	}
	return s.GetFlow(ctx, flowID)
}

func (s *RedisStorage) GetForm(ctx context.Context, formID string) (types.FormDefinition, error) {
	return getFromRedis[types.FormDefinition](ctx, s.client, s.key(formDefKey, formID), "form", formID)
}

func (s *RedisStorage) FindFormByURL(ctx context.Context, url string) (types.FormDefinition, error) {
	formID, err := s.client.Get(ctx, s.key(formURLKey, url)).Result()
	if errors.Is(err, redis.Nil) {
		return types.FormDefinition{}, notFound("form url", url)
	} else if err != nil {
		return types.FormDefinition{}, fmt.Errorf("failed to read form url %s: %v", url, err)
	}
	return s.GetForm(ctx, formID)
}

func (s *RedisStorage) GetLineConditions(ctx context.Context, ids []string) (map[string]types.LineCondition, error) {
	out := make(map[string]types.LineCondition, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(lineKey, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read line conditions: %v", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var cond types.LineCondition
		if err := json.Unmarshal([]byte(str), &cond); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
		}
		out[ids[i]] = cond
	}
	return out, nil
}

func (s *RedisStorage) reader() *redisReader {
	return &redisReader{store: s, cmd: s.client}
}

func (s *RedisStorage) GetInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error) {
	return s.reader().GetInstance(ctx, instanceID)
}

func (s *RedisStorage) GetInstanceForm(ctx context.Context, instanceID string) (types.InstanceForm, error) {
	return s.reader().GetInstanceForm(ctx, instanceID)
}

func (s *RedisStorage) FindInstanceFormByKey(ctx context.Context, formID, key string) (types.InstanceForm, error) {
	return s.reader().FindInstanceFormByKey(ctx, formID, key)
}

func (s *RedisStorage) ListOperations(ctx context.Context, instanceID string) ([]types.OperationHistory, error) {
	return s.reader().ListOperations(ctx, instanceID)
}

func (s *RedisStorage) ListTransitions(ctx context.Context, instanceID string) ([]types.TransitionHistory, error) {
	return s.reader().ListTransitions(ctx, instanceID)
}

// FindInstances loads every indexed instance in one pipeline and filters them.
func (s *RedisStorage) FindInstances(ctx context.Context, pred func(types.WorkflowInstance) bool) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		ids, err := s.client.SMembers(ctx, s.key(instanceSetKey)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan instances: %v", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, s.key(instanceKey, id))
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to execute pipeline for instances: %v", err)
		}

		var out []types.WorkflowInstance
		for i, cmd := range cmds {
			data, err := cmd.Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get instance %s: %v", ids[i], err)
			}
			var inst types.WorkflowInstance
			if err := json.Unmarshal(data, &inst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal instance %s: %v", ids[i], err)
			}
			if pred == nil || pred(inst) {
				out = append(out, inst)
			}
		}
		sortInstances(out)
		return out, nil
	})
}

// RunInTx runs fn inside WATCH/MULTI/EXEC and reruns it while the commit
// fails because a watched key changed.
func (s *RedisStorage) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return retryOnConflict(ctx, s.retry, func() error {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := newRedisTx(s, rtx)
			if err := fn(tx); err != nil {
				return err
			}
			return tx.commit(ctx)
		})
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// redisReader reads instance data through cmd, which is either the client
// or the connection of a unit of work.
type redisReader struct {
	store *RedisStorage
	cmd   redis.Cmdable
}

func (r *redisReader) GetInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, r.cmd, r.store.key(instanceKey, instanceID), "instance", instanceID)
}

func (r *redisReader) GetInstanceForm(ctx context.Context, instanceID string) (types.InstanceForm, error) {
	return getFromRedis[types.InstanceForm](ctx, r.cmd, r.store.key(instanceFormKey, instanceID), "instance form", instanceID)
}

func (r *redisReader) FindInstanceFormByKey(ctx context.Context, formID, key string) (types.InstanceForm, error) {
	instanceID, err := r.cmd.Get(ctx, r.store.key(formIndexKey, formID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return types.InstanceForm{}, notFound("form key", formID+":"+key)
	} else if err != nil {
		return types.InstanceForm{}, fmt.Errorf("failed to read form key %s:%s: %v", formID, key, err)
	}
	return r.GetInstanceForm(ctx, instanceID)
}

func (r *redisReader) ListOperations(ctx context.Context, instanceID string) ([]types.OperationHistory, error) {
	return listFromRedis[types.OperationHistory](ctx, r.cmd, r.store.key(operationsKey, instanceID))
}

func (r *redisReader) ListTransitions(ctx context.Context, instanceID string) ([]types.TransitionHistory, error) {
	return listFromRedis[types.TransitionHistory](ctx, r.cmd, r.store.key(transitionsKey, instanceID))
}
