package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the Kafka topic audit entries are mirrored to.
const DefaultTopic = "trust_audit_log"

// Publisher mirrors committed audit entries to Kafka for downstream
// archival (cmd/auditd). Publishing is best-effort: the authoritative copy
// is the one committed with the mutation, so a broker outage must never
// fail a trust operation.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates a publisher for the given brokers. An empty topic
// selects DefaultTopic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// Publish sends one entry, keyed by entity id so per-entity ordering holds.
func (p *Publisher) Publish(ctx context.Context, e *Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("audit publish marshal failed", "entry_id", e.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.EntityID),
		Value: data,
	})
	if err != nil {
		p.logger.Error("audit publish failed", "entry_id", e.ID, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
