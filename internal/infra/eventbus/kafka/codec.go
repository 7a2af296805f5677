package kafka

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/fleet-armada/internal/domain/task"
)

// encodeTaskEvent renders evt as a serialized google.protobuf.Struct so
// consumers need no generated types.
func encodeTaskEvent(evt task.Event) ([]byte, error) {
	fields := map[string]any{
		"task_id":     evt.TaskID,
		"kind":        evt.Kind.String(),
		"machine_id":  evt.MachineID,
		"status":      evt.Status.String(),
		"progress":    evt.Progress,
		"occurred_at": evt.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if evt.ErrorMessage != "" {
		fields["error_message"] = evt.ErrorMessage
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("building event struct: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeTaskEvent parses a message value produced by TaskEventPublisher.
func DecodeTaskEvent(b []byte) (task.Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return task.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	f := s.GetFields()

	status, err := task.ParseStatus(f["status"].GetStringValue())
	if err != nil {
		return task.Event{}, err
	}
	occurred, err := time.Parse(time.RFC3339Nano, f["occurred_at"].GetStringValue())
	if err != nil {
		return task.Event{}, fmt.Errorf("parse occurred_at: %w", err)
	}

	return task.Event{
		TaskID:       f["task_id"].GetStringValue(),
		Kind:         task.Kind(f["kind"].GetStringValue()),
		MachineID:    f["machine_id"].GetStringValue(),
		Status:       status,
		Progress:     int(f["progress"].GetNumberValue()),
		ErrorMessage: f["error_message"].GetStringValue(),
		OccurredAt:   occurred,
	}, nil
}
