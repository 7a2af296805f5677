// Package task models long-running background operations tracked by the async
// task engine: the persisted record, its per-subitem status and the rules for
// moving between states.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound is returned when no record exists for a task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal is returned when mutating a task that already reached a
	// terminal state.
	ErrTaskTerminal = errors.New("task already in terminal state")

	// ErrSubItemNotFound is returned when a task has no subitem with the given name.
	ErrSubItemNotFound = errors.New("subitem not found")
)

// Kind names a use site of the task engine. Upload sessions are tracked by
// their own record type and are not a Kind.
type Kind string

const (
	KindInit      Kind = "init"
	KindPortCheck Kind = "portcheck"
	KindDeploy    Kind = "deploy"
)

// String returns the string representation of the Kind.
func (k Kind) String() string { return string(k) }

// SubItem is one independently tracked unit of a task, such as one service
// install or one service port check.
type SubItem struct {
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Record is the persisted state of one task. Records are read and rewritten
// whole on every mutation.
type Record struct {
	ID           string          `json:"task_id"`
	Kind         Kind            `json:"kind"`
	MachineID    string          `json:"machine_id,omitempty"`
	Status       Status          `json:"status"`
	Progress     int             `json:"progress"`
	SubItems     []SubItem       `json:"sub_items"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// NewRecord creates a Pending record whose subitems are all Pending.
func NewRecord(id string, kind Kind, machineID string, subItems []string, now time.Time) *Record {
	items := make([]SubItem, len(subItems))
	for i, name := range subItems {
		items[i] = SubItem{Name: name, Status: StatusPending}
	}
	return &Record{
		ID:        id,
		Kind:      kind,
		MachineID: machineID,
		Status:    StatusPending,
		SubItems:  items,
		StartTime: now,
	}
}

// ComputeProgress returns completed subitems over total, as a rounded
// percentage. A completed task with no subitems is 100.
func (r *Record) ComputeProgress() int {
	if len(r.SubItems) == 0 {
		if r.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	completed := 0
	for _, it := range r.SubItems {
		if it.Status == StatusCompleted {
			completed++
		}
	}
	return int(math.Round(float64(completed) / float64(len(r.SubItems)) * 100))
}

func (r *Record) transition(target Status, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, r.ID, r.Status)
	}
	if err := r.Status.validateTransition(target); err != nil {
		return err
	}
	r.Status = target
	if target.IsTerminal() {
		end := now
		r.EndTime = &end
	}
	r.Progress = r.ComputeProgress()
	return nil
}

// Start moves the task to Running.
func (r *Record) Start(now time.Time) error { return r.transition(StatusRunning, now) }

// Complete moves the task to Completed.
func (r *Record) Complete(now time.Time) error { return r.transition(StatusCompleted, now) }

// Fail moves the task to Failed with msg as the error message.
func (r *Record) Fail(now time.Time, msg string) error {
	if err := r.transition(StatusFailed, now); err != nil {
		return err
	}
	r.ErrorMessage = msg
	return nil
}

// Cancel moves the task to Cancelled and cancels every subitem that has not
// started.
func (r *Record) Cancel(now time.Time) error {
	if err := r.transition(StatusCancelled, now); err != nil {
		return err
	}
	for i := range r.SubItems {
		if r.SubItems[i].Status == StatusPending {
			r.SubItems[i].Status = StatusCancelled
		}
	}
	return nil
}

func (r *Record) item(name string) (*SubItem, error) {
	for i := range r.SubItems {
		if r.SubItems[i].Name == name {
			return &r.SubItems[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q in task %s", ErrSubItemNotFound, name, r.ID)
}

func (r *Record) transitionItem(name string, target Status, now time.Time, msg string) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, r.ID, r.Status)
	}
	it, err := r.item(name)
	if err != nil {
		return err
	}
	if err := it.Status.validateItemTransition(target); err != nil {
		return fmt.Errorf("subitem %q: %w", name, err)
	}

	t := now
	it.Status = target
	if target == StatusRunning {
		it.StartedAt = &t
	} else {
		it.EndedAt = &t
	}
	if msg != "" {
		it.Error = msg
	}
	r.Progress = r.ComputeProgress()
	return nil
}

// StartItem moves subitem name to Running.
func (r *Record) StartItem(name string, now time.Time) error {
	return r.transitionItem(name, StatusRunning, now, "")
}

// CompleteItem moves subitem name to Completed.
func (r *Record) CompleteItem(name string, now time.Time) error {
	return r.transitionItem(name, StatusCompleted, now, "")
}

// FailItem moves subitem name to Failed and records msg.
func (r *Record) FailItem(name string, now time.Time, msg string) error {
	if msg == "" {
		msg = "failed without a message"
	}
	return r.transitionItem(name, StatusFailed, now, msg)
}

// FailedItems returns the subitems in Failed state.
func (r *Record) FailedItems() []SubItem {
	var failed []SubItem
	for _, it := range r.SubItems {
		if it.Status == StatusFailed {
			failed = append(failed, it)
		}
	}
	return failed
}

// FailureSummary renders failed subitems as "n of m failed: a: err; b: err".
// It returns "" when nothing failed.
func (r *Record) FailureSummary() string {
	failed := r.FailedItems()
	if len(failed) == 0 {
		return ""
	}
	parts := make([]string, len(failed))
	for i, it := range failed {
		parts[i] = it.Name + ": " + it.Error
	}
	return fmt.Sprintf("%d of %d failed: %s", len(failed), len(r.SubItems), strings.Join(parts, "; "))
}
