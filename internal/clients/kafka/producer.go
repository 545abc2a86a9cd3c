package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"notification-engine/internal/observability"

	"github.com/segmentio/kafka-go"
)

// Producer handles publishing events to Kafka
type Producer struct {
	writer *kafka.Writer
	logger *observability.Logger
}

// ProducerConfig contains configuration for Kafka producer
type ProducerConfig struct {
	Brokers []string
	Topic   string
}

// NewProducer creates a new Kafka producer
func NewProducer(config ProducerConfig, logger *observability.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:        kafka.TCP(config.Brokers...),
		Topic:       config.Topic,
		Balancer:    &kafka.LeastBytes{},
		Async:       false,
		Compression: kafka.Snappy,
		BatchSize:   100,
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// EventMessage is the wire envelope shared by platform events and delivery
// outcome events
type EventMessage struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	UserID     string                 `json:"user_id"`
	CampaignID *string                `json:"campaign_id,omitempty"`
	Data       map[string]interface{} `json:"data"`
	Timestamp  string                 `json:"timestamp"`
}

// PublishEvent publishes an event to Kafka
func (p *Producer) PublishEvent(ctx context.Context, event EventMessage) error {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "event_type", Value: event.Type},
		observability.Field{Key: "event_id", Value: event.ID},
	)

	eventBytes, err := json.Marshal(event)
	if err != nil {
		p.logger.Error(ctx, "failed to marshal event", err)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		// Partition by user so each user's events stay ordered
		Key:   []byte(event.UserID),
		Value: eventBytes,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "user_id", Value: []byte(event.UserID)},
		},
	}

	err = p.writer.WriteMessages(ctx, msg)
	if err != nil {
		p.logger.Error(ctx, "failed to write message to kafka", err)
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Info(ctx, fmt.Sprintf("published event %s to kafka", event.Type))
	return nil
}

// PublishEvents publishes multiple events in batch
func (p *Producer) PublishEvents(ctx context.Context, events []EventMessage) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		eventBytes, err := json.Marshal(event)
		if err != nil {
			p.logger.Error(ctx, fmt.Sprintf("failed to marshal event %s", event.ID), err)
			continue
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(event.UserID),
			Value: eventBytes,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(event.Type)},
				{Key: "user_id", Value: []byte(event.UserID)},
			},
		})
	}

	err := p.writer.WriteMessages(ctx, messages...)
	if err != nil {
		p.logger.Error(ctx, "failed to write messages to kafka", err)
		return fmt.Errorf("failed to write messages to kafka: %w", err)
	}

	p.logger.Info(ctx, fmt.Sprintf("published %d events to kafka", len(messages)))
	return nil
}

// Close closes the Kafka producer
func (p *Producer) Close() error {
	return p.writer.Close()
}
