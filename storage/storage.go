package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when inserting a record whose id is taken.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrConflict is returned when a unit of work lost a race with a
	// concurrent writer on the same instance.
	ErrConflict = errors.New("concurrent modification")
)

// Reader is the read side shared by the store and its units of work.
type Reader interface {
	GetFlow(ctx context.Context, flowID string) (types.FlowDefinition, error)
	FindFlowByForm(ctx context.Context, formID string) (types.FlowDefinition, error)
	GetForm(ctx context.Context, formID string) (types.FormDefinition, error)
	FindFormByURL(ctx context.Context, url string) (types.FormDefinition, error)
	// GetLineConditions returns the conditions found among ids, keyed by id.
	GetLineConditions(ctx context.Context, ids []string) (map[string]types.LineCondition, error)

	GetInstance(ctx context.Context, instanceID string) (types.WorkflowInstance, error)
	GetInstanceForm(ctx context.Context, instanceID string) (types.InstanceForm, error)
	// FindInstanceFormByKey looks up the link of a system form by the key
	// its owner uses for the record.
	FindInstanceFormByKey(ctx context.Context, formID, key string) (types.InstanceForm, error)

	// ListOperations and ListTransitions return history in insertion order.
	ListOperations(ctx context.Context, instanceID string) ([]types.OperationHistory, error)
	ListTransitions(ctx context.Context, instanceID string) ([]types.TransitionHistory, error)
}

// Tx is a unit of work. Writes become visible to other readers only when
// the function passed to RunInTx returns nil.
type Tx interface {
	Reader

	InsertInstance(ctx context.Context, inst types.WorkflowInstance) error
	// UpdateInstance fails with ErrConflict unless inst.Version matches the
	// stored version. The stored version is incremented.
	UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error
	DeleteInstance(ctx context.Context, instanceID string) error

	SaveInstanceForm(ctx context.Context, form types.InstanceForm) error
	DeleteInstanceForm(ctx context.Context, instanceID string) error

	AppendOperation(ctx context.Context, op types.OperationHistory) error
	AppendTransition(ctx context.Context, tr types.TransitionHistory) error
	// DeleteHistory removes every operation and transition row of an instance.
	DeleteHistory(ctx context.Context, instanceID string) error
}

// Storage persists flows, forms, instances and their history.
type Storage interface {
	Reader

	SaveFlow(ctx context.Context, flow types.FlowDefinition) error
	SaveForm(ctx context.Context, form types.FormDefinition) error
	SaveLineCondition(ctx context.Context, cond types.LineCondition) error

	// FindInstances returns the instances matching pred, oldest first.
	FindInstances(ctx context.Context, pred func(types.WorkflowInstance) bool) ([]types.WorkflowInstance, error)

	// RunInTx runs fn as one unit of work. fn is rerun from scratch when
	// the commit loses a race, so it must not have side effects outside tx.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// RetryPolicy bounds how often a conflicting unit of work is rerun.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy reruns a conflicting unit of work up to five times.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      5,
	InitialInterval: 10 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

// retryOnConflict reruns attempt with exponential backoff while it fails
// with ErrConflict. Any other error stops immediately.
func retryOnConflict(ctx context.Context, policy RetryPolicy, attempt func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, policy.MaxRetries), ctx)
	return backoff.Retry(func() error {
		err := attempt()
		if err == nil || errors.Is(err, ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
}

func sortInstances(list []types.WorkflowInstance) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreateTime.Equal(list[j].CreateTime) {
			return list[i].InstanceID < list[j].InstanceID
		}
		return list[i].CreateTime.Before(list[j].CreateTime)
	})
}
