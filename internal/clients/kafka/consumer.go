package kafka

import (
	"github.com/segmentio/kafka-go"
)

// ReaderConfig contains configuration for a Kafka reader
type ReaderConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
}

// NewReader creates a Kafka reader with manual offset commits. Consumers
// commit each message themselves after processing succeeds, so a crash
// redelivers unprocessed messages.
func NewReader(config ReaderConfig) *kafka.Reader {
	if config.MinBytes == 0 {
		config.MinBytes = 10e3 // 10KB
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = 10e6 // 10MB
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  config.Brokers,
		Topic:    config.Topic,
		GroupID:  config.GroupID,
		MinBytes: config.MinBytes,
		MaxBytes: config.MaxBytes,
		// Start reading from the earliest message if no offset exists
		StartOffset: kafka.FirstOffset,
		// Manual commit
		CommitInterval: 0,
	})
}
