package jobs

import (
	"context"
	"fmt"
	"time"

	"notification-engine/internal/dispatch"
)

// DispatchJob drives one channel's dispatcher on its configured interval
type DispatchJob struct {
	dispatcher *dispatch.Dispatcher
	interval   time.Duration
}

func NewDispatchJob(dispatcher *dispatch.Dispatcher, interval time.Duration) *DispatchJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &DispatchJob{
		dispatcher: dispatcher,
		interval:   interval,
	}
}

func (j *DispatchJob) Name() string {
	return fmt.Sprintf("dispatch-%s", j.dispatcher.Channel())
}

func (j *DispatchJob) Run(ctx context.Context) error {
	return j.dispatcher.Tick(ctx)
}

func (j *DispatchJob) Schedule() time.Duration {
	return j.interval
}
