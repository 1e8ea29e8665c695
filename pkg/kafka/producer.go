package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/models"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const (
	EventSyncSucceeded = "sync.succeeded"
	EventSyncFailed    = "sync.failed"
)

type Config struct {
	Brokers []string
	Topic   string
}

// ParseConfig splits a comma-separated broker list.
func ParseConfig(brokers, topic string) Config {
	var list []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			list = append(list, broker)
		}
	}
	return Config{Brokers: list, Topic: topic}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes sync lifecycle events.
type Producer struct {
	writer messageWriter
	topic  string
	logger ectologger.Logger
}

func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		// dev brokers may not have the topic yet
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, topic: cfg.Topic, logger: logger}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// SyncEventMessage is the wire form of a terminal sync job transition.
type SyncEventMessage struct {
	Type string `json:"type"`
	models.SyncEvent
	TraceID string `json:"trace_id,omitempty"`
}

// PublishSyncEvent writes evt keyed by workspace and source so events for one
// integration stay ordered on a partition.
func (p *Producer) PublishSyncEvent(ctx context.Context, evt models.SyncEvent) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.PublishSyncEvent")
	defer span.End()

	eventType := EventSyncSucceeded
	if evt.Status == models.SyncJobStatusFailed {
		eventType = EventSyncFailed
	}
	if evt.CompletedAt.IsZero() {
		evt.CompletedAt = time.Now().UTC()
	}

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("workspace_id", evt.WorkspaceID.String()),
		attribute.String("source", evt.Source),
		attribute.String("job_id", evt.JobID.String()),
	)

	data, err := json.Marshal(SyncEventMessage{Type: eventType, SyncEvent: evt, TraceID: tracing.GetTraceID(ctx)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal sync event: %w", err)
	}

	headers := []kafka.Header{
		{Key: "workspace_id", Value: []byte(evt.WorkspaceID.String())},
		{Key: "source", Value: []byte(evt.Source)},
		{Key: "job_id", Value: []byte(evt.JobID.String())},
		{Key: "type", Value: []byte(eventType)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%s", evt.WorkspaceID, evt.Source)),
		Value:   data,
		Headers: headers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.topic, "error")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish sync event to Kafka topic %s", p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.topic, "success")
	p.logger.WithContext(ctx).Debugf("Published %s for job %s", eventType, evt.JobID)
	return nil
}
