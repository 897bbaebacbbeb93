package cloud

import (
	"context"

	"github.com/evergreen-ci/postbatch/model"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// PoolManager provisions and removes the worker pool.
type PoolManager struct {
	client BatchClient
}

// NewPoolManager returns a PoolManager issuing requests through client.
func NewPoolManager(client BatchClient) *PoolManager {
	return &PoolManager{client: client}
}

// EnsurePool creates the pool described by spec. A pool that already
// exists is not an error; its configuration is left as is.
func (m *PoolManager) EnsurePool(ctx context.Context, spec model.PoolSpec) (model.CreateOutcome, error) {
	if err := spec.Validate(); err != nil {
		return model.Unknown, errors.Wrap(err, "invalid pool spec")
	}

	err := m.client.CreatePool(ctx, exportPool(spec))
	if IsBatchErrorCode(err, batchErrorPoolExists) {
		grip.Info(message.Fields{
			"message": "pool already exists, reusing it",
			"pool":    spec.ID,
		})
		return model.AlreadyExists, nil
	}
	if err != nil {
		return model.Unknown, errors.Wrapf(err, "creating pool '%s'", spec.ID)
	}

	grip.Info(message.Fields{
		"message":            "created pool",
		"pool":               spec.ID,
		"vm_size":            spec.VMSize,
		"dedicated_nodes":    spec.DedicatedNodes,
		"low_priority_nodes": spec.LowPriorityNodes,
		"task_slots":         spec.TaskSlotsPerNode,
	})
	return model.Created, nil
}

// DeletePool requests deletion of the pool. A pool that is already gone is
// not an error.
func (m *PoolManager) DeletePool(ctx context.Context, poolID string) error {
	err := m.client.DeletePool(ctx, poolID)
	if IsBatchErrorCode(err, batchErrorPoolNotFound) {
		return nil
	}
	return errors.Wrapf(err, "deleting pool '%s'", poolID)
}
