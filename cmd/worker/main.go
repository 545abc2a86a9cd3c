package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"notification-engine/internal/bootstrap"
	kafkaClient "notification-engine/internal/clients/kafka"
	"notification-engine/internal/config"
	"notification-engine/internal/dispatch"
	"notification-engine/internal/events"
	jobscheduler "notification-engine/internal/jobs/scheduler"
	"notification-engine/internal/jobs/scheduler/jobs"
	"notification-engine/internal/observability"
	"notification-engine/internal/ratelimit"
	"notification-engine/internal/senders"
	"notification-engine/internal/store"
)

func main() {
	logger := observability.NewLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info(ctx, "Starting notification worker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %s", err)
	}

	deps, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize dependencies: %s", err)
	}
	defer deps.Cleanup()

	// Template cache warm-up is best effort; the dispatcher falls back to
	// per-item lookups on cold pairs.
	if err := deps.TemplatesProcessor.WarmCache(ctx); err != nil {
		logger.WarnWithError(ctx, "failed to warm template cache", err)
	}

	// Outcome events for downstream consumers
	producer := kafkaClient.NewProducer(kafkaClient.ProducerConfig{
		Brokers: cfg.Kafka.BrokerList(),
		Topic:   cfg.Kafka.OutcomesTopic,
	}, logger)
	publisher := events.NewPublisher(producer, logger)

	limiter := ratelimit.NewService(deps.Redis, &deps.Store, logger)

	// Channel senders, each behind a circuit breaker
	emailSender, err := senders.NewEmailSender(cfg.Email.ResendAPIKey, cfg.Email.FromAddress, logger)
	if err != nil {
		log.Fatalf("failed to initialize email sender: %s", err)
	}
	smsSender := senders.NewSMSSender(
		cfg.SMS.TwilioAccountSID,
		cfg.SMS.TwilioAuthToken,
		cfg.SMS.FromNumber,
		cfg.SMS.CostMicros,
		logger,
	)
	pushSender := senders.NewPushSender(cfg.Push.Endpoint, cfg.Push.APIKey, logger)

	// Only SMS carries a per-message cost, so only SMS gets a budget
	smsBudget := dispatch.NewBudget(deps.Redis, &deps.Store, store.ChannelSMS,
		cfg.SMS.DailyBudgetMicros, cfg.SMS.CostMicros, logger)

	emailDispatcher := dispatch.NewDispatcher(
		store.ChannelEmail, deps.QueueProcessor, &deps.Store, &deps.PreferencesProc,
		deps.TemplatesProcessor, limiter, senders.NewBreakerSender(emailSender, logger),
		nil, publisher, logger, cfg.Dispatch.Email.BatchSize, cfg.Dispatch.SendTimeout,
	)
	smsDispatcher := dispatch.NewDispatcher(
		store.ChannelSMS, deps.QueueProcessor, &deps.Store, &deps.PreferencesProc,
		deps.TemplatesProcessor, limiter, senders.NewBreakerSender(smsSender, logger),
		smsBudget, publisher, logger, cfg.Dispatch.SMS.BatchSize, cfg.Dispatch.SendTimeout,
	)
	pushDispatcher := dispatch.NewDispatcher(
		store.ChannelPush, deps.QueueProcessor, &deps.Store, &deps.PreferencesProc,
		deps.TemplatesProcessor, limiter, senders.NewBreakerSender(pushSender, logger),
		nil, publisher, logger, cfg.Dispatch.Push.BatchSize, cfg.Dispatch.SendTimeout,
	)

	// Periodic jobs: one dispatch loop per channel plus the campaign tick
	scheduler := jobscheduler.New(logger)
	scheduler.Register(jobs.NewDispatchJob(emailDispatcher, cfg.Dispatch.Email.Interval))
	scheduler.Register(jobs.NewDispatchJob(smsDispatcher, cfg.Dispatch.SMS.Interval))
	scheduler.Register(jobs.NewDispatchJob(pushDispatcher, cfg.Dispatch.Push.Interval))
	scheduler.Register(jobs.NewCampaignJob(&deps.SchedulerProcessor, cfg.Scheduler.Interval))

	go func() {
		if err := scheduler.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "job scheduler stopped with error", err)
		}
	}()

	// Platform event ingestion (matches, messages, profile views, ...)
	ingest := events.NewIngestProcessor(deps.QueueProcessor, &deps.Store, logger)
	consumer := events.NewConsumer(events.ConsumerConfig{
		Brokers:       cfg.Kafka.BrokerList(),
		ConsumerGroup: cfg.Kafka.ConsumerGroup,
		Topic:         cfg.Kafka.EventsTopic,
		NumWorkers:    cfg.Kafka.NumWorkers,
	}, ingest, logger)

	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "event consumer stopped with error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "Shutting down worker...")
	cancel()
	consumer.Stop()
	if err := publisher.Close(); err != nil {
		logger.WarnWithError(ctx, "failed to close outcome publisher", err)
	}
	logger.Info(context.Background(), "Worker exited gracefully")
}
