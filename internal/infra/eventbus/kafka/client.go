// Package kafka publishes task lifecycle events to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/fleet-armada/pkg/common"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

// DefaultTopic receives every task event.
const DefaultTopic = "fleet.task.events"

// Config contains what is needed to reach the cluster.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewProducerConfig returns the sarama settings used for task events.
// Events for one task hash to one partition so consumers see them in order.
func NewProducerConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 10 * time.Second

	config.Version = sarama.V3_6_0_0
	return config
}

// Connect dials the brokers with exponential backoff and returns a publisher
// that owns the resulting producer.
func Connect(
	ctx context.Context,
	cfg Config,
	log *logger.Logger,
	metrics PublisherMetrics,
	tracer trace.Tracer,
) (*TaskEventPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	var producer sarama.SyncProducer
	err := common.RetryWithBackoff(ctx, log, "kafka connect", common.DefaultRetryConfig(),
		func(context.Context) error {
			p, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig(cfg.ClientID))
			if err != nil {
				return fmt.Errorf("creating producer: %w", err)
			}
			producer = p
			return nil
		})
	if err != nil {
		return nil, err
	}

	log.Info(ctx, "connected to kafka", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return NewTaskEventPublisher(producer, cfg.Topic, log, metrics, tracer), nil
}
