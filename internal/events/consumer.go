package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "notification-engine/internal/clients/kafka"
	"notification-engine/internal/observability"

	kafkago "github.com/segmentio/kafka-go"
)

// Processor handles a single platform event. Implementations must be
// idempotent because messages may be redelivered after a crash.
type Processor interface {
	Process(ctx context.Context, event kafka.EventMessage) error
	Name() string
}

// ConsumerConfig holds configuration for the platform event consumer.
type ConsumerConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	NumWorkers    int
	QueueSize     int
	DrainTimeout  time.Duration
}

// eventWithMsg pairs an event with its Kafka message for offset tracking.
type eventWithMsg struct {
	event kafka.EventMessage
	msg   kafkago.Message
}

// Consumer fetches platform events and fans them out to a bounded set of
// workers. Offsets are committed per message after processing succeeds, so
// processing failures are redelivered.
type Consumer struct {
	config    ConsumerConfig
	reader    *kafkago.Reader
	processor Processor
	logger    *observability.Logger

	eventCh chan eventWithMsg

	// Lifecycle management
	cancelFetch context.CancelFunc
	doneCh      chan struct{}
	stopping    atomic.Bool
	stopOnce    sync.Once
}

// NewConsumer creates a platform event consumer.
func NewConsumer(config ConsumerConfig, processor Processor, logger *observability.Logger) *Consumer {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}

	c := &Consumer{
		config:    config,
		processor: processor,
		logger:    logger,
		eventCh:   make(chan eventWithMsg, config.QueueSize),
		doneCh:    make(chan struct{}),
	}

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: config.Brokers,
		Topic:   config.Topic,
		GroupID: config.ConsumerGroup,
	})

	ctx := observability.WithFields(context.Background(),
		observability.Field{Key: "processor", Value: processor.Name()},
		observability.Field{Key: "consumer_group", Value: config.ConsumerGroup},
		observability.Field{Key: "topic", Value: config.Topic},
		observability.Field{Key: "num_workers", Value: config.NumWorkers},
	)
	logger.Info(ctx, fmt.Sprintf("Initialized consumer for %s processor", processor.Name()))

	return c
}

// Start begins consuming events and blocks until Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	defer close(c.doneCh)

	// Shutdown is driven by Stop, not by the caller's context, so in-flight
	// events finish before the reader closes.
	fetchCtx, cancel := context.WithCancel(context.Background())
	c.cancelFetch = cancel
	fetchCtx = observability.WithFields(fetchCtx,
		observability.Field{Key: "consumer_group", Value: c.config.ConsumerGroup},
		observability.Field{Key: "topic", Value: c.config.Topic},
		observability.Field{Key: "processor", Value: c.processor.Name()},
	)

	c.logger.Info(fetchCtx, fmt.Sprintf("Starting consumer for %s with %d workers",
		c.processor.Name(), c.config.NumWorkers))

	var workerWg sync.WaitGroup
	for i := 0; i < c.config.NumWorkers; i++ {
		workerWg.Add(1)
		go c.worker(fetchCtx, &workerWg, i)
	}

	c.fetchLoop(fetchCtx)

	// Shutdown: close channel and wait for workers to drain
	close(c.eventCh)

	done := make(chan struct{})
	go func() {
		workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info(fetchCtx, "All workers finished processing")
	case <-time.After(c.config.DrainTimeout):
		c.logger.Warn(fetchCtx, "Drain timeout - some events may not have completed")
	}

	if err := c.reader.Close(); err != nil {
		c.logger.Error(fetchCtx, "Failed to close Kafka reader", err)
	}

	c.logger.Info(fetchCtx, fmt.Sprintf("Consumer stopped for %s", c.processor.Name()))
	return nil
}

// fetchLoop fetches messages from Kafka until the fetch context is cancelled.
func (c *Consumer) fetchLoop(ctx context.Context) {
	for {
		if c.stopping.Load() {
			return
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if c.stopping.Load() || ctx.Err() != nil {
				return
			}
			c.logger.Error(ctx, "Failed to fetch message from Kafka", err)
			time.Sleep(1 * time.Second)
			continue
		}

		var event kafka.EventMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			// A malformed message can never parse; skip past it.
			c.logger.Error(ctx, "Failed to unmarshal event, skipping", err)
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		select {
		case c.eventCh <- eventWithMsg{event: event, msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// worker processes events from the channel until it's closed.
func (c *Consumer) worker(ctx context.Context, wg *sync.WaitGroup, id int) {
	defer wg.Done()

	ctx = observability.WithFields(ctx,
		observability.Field{Key: "worker_id", Value: id},
	)

	for e := range c.eventCh {
		eventCtx := observability.WithFields(ctx,
			observability.Field{Key: "event_id", Value: e.event.ID},
			observability.Field{Key: "event_type", Value: e.event.Type},
		)

		err := c.processor.Process(eventCtx, e.event)
		if err != nil {
			// No commit; the message is redelivered on restart.
			c.logger.Error(eventCtx, "Failed to process event", err)
			continue
		}

		if commitErr := c.reader.CommitMessages(context.Background(), e.msg); commitErr != nil {
			c.logger.Error(eventCtx, "Failed to commit offset", commitErr)
		}
	}
}

// Stop gracefully shuts down the consumer. It signals the fetch loop to
// stop, waits for in-flight events to complete, and returns only after
// full shutdown.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		logCtx := observability.WithFields(context.Background(),
			observability.Field{Key: "processor", Value: c.processor.Name()},
		)
		c.logger.Info(logCtx, fmt.Sprintf("Stopping consumer for %s", c.processor.Name()))

		c.stopping.Store(true)

		if c.cancelFetch != nil {
			c.cancelFetch()
		}

		<-c.doneCh
	})
}
