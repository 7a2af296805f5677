package reliability

import (
	"context"
	"time"

	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/pkg/common"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

var _ task.EventPublisher = (*RetryingPublisher)(nil)

// DefaultRetryConfig bounds redelivery of a critical event. It is much shorter
// than the connection retry policy since the caller is a task worker.
func DefaultRetryConfig() common.RetryConfig {
	return common.RetryConfig{InitialInterval: 200 * time.Millisecond, MaxElapsedTime: 10 * time.Second}
}

// RetryingPublisher retries critical events with exponential backoff and
// sends every other event once.
type RetryingPublisher struct {
	next task.EventPublisher
	cfg  common.RetryConfig
	log  *logger.Logger
}

// NewRetryingPublisher wraps next.
func NewRetryingPublisher(next task.EventPublisher, cfg common.RetryConfig, log *logger.Logger) *RetryingPublisher {
	return &RetryingPublisher{next: next, cfg: cfg, log: log}
}

// PublishTaskEvent delivers evt through the wrapped publisher.
func (p *RetryingPublisher) PublishTaskEvent(ctx context.Context, evt task.Event) error {
	if !IsCriticalEvent(evt) {
		return p.next.PublishTaskEvent(ctx, evt)
	}
	return common.RetryWithBackoff(ctx, p.log, "publish task event", p.cfg, func(ctx context.Context) error {
		return p.next.PublishTaskEvent(ctx, evt)
	})
}
