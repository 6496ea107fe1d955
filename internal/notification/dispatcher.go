// Package notification forwards settlement events to the notification
// service over Kafka. Delivery is fire-and-forget: a failed send is logged
// and counted, never surfaced to the operation that raised the event.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"github.com/frahmantamala/escrow-settlement/internal"
	"github.com/frahmantamala/escrow-settlement/internal/core/events"
)

type Metrics interface {
	IncNotificationFailed(event string)
}

type noopMetrics struct{}

func (noopMetrics) IncNotificationFailed(string) {}

// Envelope is the message value written to the topic.
type Envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	metrics  Metrics
	logger   *slog.Logger
}

// NewDispatcher builds a dispatcher. A nil producer only logs events, which
// is the mode used when notifications are disabled.
func NewDispatcher(producer sarama.SyncProducer, topic string, metrics Metrics, logger *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{
		producer: producer,
		topic:    topic,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register subscribes the dispatcher to every event on the bus.
func (d *Dispatcher) Register(bus *events.EventBus) {
	bus.Subscribe(events.Wildcard, d.Handle)
}

func (d *Dispatcher) Handle(_ context.Context, ev events.Event) error {
	if d.producer == nil {
		d.logger.Info("notification",
			"event_type", ev.EventType(),
			"event_id", ev.EventID(),
			"data", ev.Payload())
		return nil
	}

	msg, err := d.message(ev)
	if err != nil {
		d.metrics.IncNotificationFailed(ev.EventType())
		return err
	}

	partition, offset, err := d.producer.SendMessage(msg)
	if err != nil {
		d.metrics.IncNotificationFailed(ev.EventType())
		return fmt.Errorf("failed to send %s to %s: %w", ev.EventType(), d.topic, err)
	}

	d.logger.Debug("notification sent",
		"event_type", ev.EventType(),
		"event_id", ev.EventID(),
		"partition", partition,
		"offset", offset)
	return nil
}

// message keys by job id so one job's events stay ordered on a partition.
func (d *Dispatcher) message(ev events.Event) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(Envelope{
		ID:         ev.EventID(),
		Type:       ev.EventType(),
		OccurredAt: ev.OccurredAt(),
		Data:       ev.Payload(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.EventType(), err)
	}

	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(ev.EventType())},
		},
	}
	if jobID := jobIDOf(ev); jobID != "" {
		msg.Key = sarama.StringEncoder(jobID)
	}
	return msg, nil
}

func jobIDOf(ev events.Event) string {
	if e, ok := ev.(*events.EscrowEvent); ok {
		return e.JobID
	}
	if data, ok := ev.Payload().(map[string]interface{}); ok {
		if id, ok := data["job_id"].(string); ok {
			return id
		}
	}
	return ""
}

func (d *Dispatcher) Close() error {
	if d.producer == nil {
		return nil
	}
	return d.producer.Close()
}

// NewProducer dials the brokers, retrying while they come up.
func NewProducer(ctx context.Context, cfg internal.NotificationConfig, logger *slog.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = "escrow-settlement"
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Minute

	var producer sarama.SyncProducer
	err := backoff.RetryNotify(func() error {
		p, err := sarama.NewSyncProducer(cfg.Brokers, config)
		if err != nil {
			return err
		}
		producer = p
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		logger.Warn("waiting for kafka", "error", err, "brokers", cfg.Brokers, "retry_in", wait)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start kafka producer: %w", err)
	}

	logger.Info("kafka producer initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return producer, nil
}
