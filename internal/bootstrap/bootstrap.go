package bootstrap

import (
	"context"
	"fmt"

	"notification-engine/internal/config"
	"notification-engine/internal/observability"
	"notification-engine/internal/store"

	analyticsHandler "notification-engine/internal/analytics/handler"
	analyticsProcessor "notification-engine/internal/analytics/processor"
	redisClient "notification-engine/internal/clients/redis"
	preferencesHandler "notification-engine/internal/preferences/handler"
	preferencesProcessor "notification-engine/internal/preferences/processor"
	queueHandler "notification-engine/internal/queue/handler"
	queueProcessor "notification-engine/internal/queue/processor"
	schedulerHandler "notification-engine/internal/scheduler/handler"
	schedulerProcessor "notification-engine/internal/scheduler/processor"
	templatesHandler "notification-engine/internal/templates/handler"
	templatesProcessor "notification-engine/internal/templates/processor"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store  store.Store
	Redis  *redisClient.Client
	Logger *observability.Logger

	// Processors shared with background workers
	QueueProcessor     *queueProcessor.QueueProcessor
	PreferencesProc    preferencesProcessor.PreferencesProcessor
	TemplatesProcessor *templatesProcessor.TemplatesProcessor
	SchedulerProcessor schedulerProcessor.SchedulerProcessor
	AnalyticsProcessor analyticsProcessor.AnalyticsProcessor

	// Handlers
	QueueHandler       queueHandler.Handler
	PreferencesHandler preferencesHandler.Handler
	TemplatesHandler   templatesHandler.Handler
	SchedulerHandler   schedulerHandler.Handler
	AnalyticsHandler   analyticsHandler.Handler
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	// Initialize database store
	connectionString := cfg.Database.ConnectionString()
	var err error
	deps.Store, err = store.New(connectionString, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Redis is optional; the queue, rate limiter and deduper all fall back
	// to Postgres when it is absent.
	deps.Redis, err = redisClient.NewClient(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Initialize preferences processor and handler
	deps.PreferencesProc = preferencesProcessor.New(&deps.Store, logger)
	deps.PreferencesHandler = preferencesHandler.New(deps.PreferencesProc, logger)

	// Initialize queue processor and handler
	deduper := queueProcessor.NewDeduper(deps.Redis, cfg.Dispatch.DedupWindow)
	qp := queueProcessor.New(&deps.Store, &deps.PreferencesProc, deduper, logger, cfg.Dispatch.MaxAttempts, cfg.Dispatch.Lease)
	deps.QueueProcessor = &qp
	deps.QueueHandler = queueHandler.New(deps.QueueProcessor, logger)

	// Initialize templates processor and handler
	deps.TemplatesProcessor = templatesProcessor.New(&deps.Store, logger)
	deps.TemplatesHandler = templatesHandler.New(deps.TemplatesProcessor, logger)

	// Initialize campaign scheduler processor and handler
	deps.SchedulerProcessor = schedulerProcessor.New(
		&deps.Store,
		deps.QueueProcessor,
		logger,
		cfg.Scheduler.RecipientPage,
		cfg.Scheduler.EnqueueWorkers,
	)
	deps.SchedulerHandler = schedulerHandler.New(deps.SchedulerProcessor, logger)

	// Initialize analytics processor and handler
	deps.AnalyticsProcessor = analyticsProcessor.New(&deps.Store, logger)
	deps.AnalyticsHandler = analyticsHandler.New(deps.AnalyticsProcessor, logger)

	return deps, nil
}

// Cleanup closes all resources that need cleanup
func (d *Dependencies) Cleanup() {
	if d.Redis != nil {
		d.Redis.Close()
	}
	if db := d.Store.DB(); db != nil {
		db.Close()
	}
}
