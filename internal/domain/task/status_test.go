package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_ValidateTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{name: "pending to running", from: StatusPending, to: StatusRunning},
		{name: "pending to cancelled", from: StatusPending, to: StatusCancelled},
		{name: "pending to failed", from: StatusPending, to: StatusFailed},
		{name: "pending to completed", from: StatusPending, to: StatusCompleted, wantErr: true},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted},
		{name: "running to failed", from: StatusRunning, to: StatusFailed},
		{name: "running to cancelled", from: StatusRunning, to: StatusCancelled},
		{name: "running to pending", from: StatusRunning, to: StatusPending, wantErr: true},
		{name: "completed is final", from: StatusCompleted, to: StatusRunning, wantErr: true},
		{name: "failed is final", from: StatusFailed, to: StatusCompleted, wantErr: true},
		{name: "cancelled is final", from: StatusCancelled, to: StatusRunning, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.from.validateTransition(tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestStatus_ValidateItemTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{name: "pending to running", from: StatusPending, to: StatusRunning},
		{name: "pending to cancelled", from: StatusPending, to: StatusCancelled},
		{name: "pending skips running", from: StatusPending, to: StatusCompleted, wantErr: true},
		{name: "running to completed", from: StatusRunning, to: StatusCompleted},
		{name: "running to failed", from: StatusRunning, to: StatusFailed},
		{name: "running to cancelled", from: StatusRunning, to: StatusCancelled, wantErr: true},
		{name: "completed never reverses", from: StatusCompleted, to: StatusRunning, wantErr: true},
		{name: "failed never reverses", from: StatusFailed, to: StatusRunning, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.from.validateItemTransition(tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus("CANCELLED")
	assert.NoError(t, err)
	assert.Equal(t, StatusCancelled, s)
	assert.True(t, s.IsTerminal())

	_, err = ParseStatus("PAUSED")
	assert.Error(t, err)
}
