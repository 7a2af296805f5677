package records

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/fleet-armada/internal/domain/task"
)

const taskKeyPrefix = "task:"

var _ task.Repository = (*TaskRepository)(nil)

// TaskRepository stores task records under "task:<id>".
type TaskRepository struct{ store Store }

// NewTaskRepository creates a TaskRepository backed by store.
func NewTaskRepository(store Store) *TaskRepository { return &TaskRepository{store: store} }

// Get loads the task record for id.
func (r *TaskRepository) Get(ctx context.Context, id string) (*task.Record, error) {
	var rec task.Record
	ok, err := r.store.Get(ctx, taskKeyPrefix+id, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return &rec, nil
}

// Save writes rec and refreshes its retention window.
func (r *TaskRepository) Save(ctx context.Context, rec *task.Record, ttl time.Duration) error {
	if err := r.store.Set(ctx, taskKeyPrefix+rec.ID, rec, ttl); err != nil {
		return fmt.Errorf("failed to save task %s: %w", rec.ID, err)
	}
	return nil
}
