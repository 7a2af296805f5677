package taskengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ahrav/fleet-armada/internal/domain/task"
)

// Handle is a worker's view of its own task record. Every call is a
// read-modify-persist; after the task is cancelled each mutation returns an
// error wrapping task.ErrTaskTerminal.
type Handle struct {
	engine    *Engine
	taskID    string
	machineID string
}

// TaskID returns the id of the task being worked.
func (h *Handle) TaskID() string { return h.taskID }

// MachineID returns the machine the task targets.
func (h *Handle) MachineID() string { return h.machineID }

// StartItem marks subitem name Running.
func (h *Handle) StartItem(ctx context.Context, name string) error {
	_, err := h.engine.update(ctx, h.taskID, func(rec *task.Record) error {
		return rec.StartItem(name, h.engine.now())
	})
	return err
}

// CompleteItem marks subitem name Completed.
func (h *Handle) CompleteItem(ctx context.Context, name string) error {
	_, err := h.engine.update(ctx, h.taskID, func(rec *task.Record) error {
		return rec.CompleteItem(name, h.engine.now())
	})
	return err
}

// FailItem marks subitem name Failed with cause's message. Sibling subitems
// are unaffected.
func (h *Handle) FailItem(ctx context.Context, name string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := h.engine.update(ctx, h.taskID, func(rec *task.Record) error {
		return rec.FailItem(name, h.engine.now(), msg)
	})
	return err
}

// SetResult stores v, JSON-encoded, as the task's result payload.
func (h *Handle) SetResult(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	_, err = h.engine.update(ctx, h.taskID, func(rec *task.Record) error {
		if rec.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", task.ErrTaskTerminal, rec.ID, rec.Status)
		}
		rec.Result = data
		return nil
	})
	return err
}

// Cancelled reports whether the task has been cancelled. Workers check it
// between units of work.
func (h *Handle) Cancelled(ctx context.Context) bool {
	rec, err := h.engine.Get(ctx, h.taskID)
	if err != nil {
		return false
	}
	return rec.Status == task.StatusCancelled
}
