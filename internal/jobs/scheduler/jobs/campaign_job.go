package jobs

import (
	"context"
	"time"

	schedulerprocessor "notification-engine/internal/scheduler/processor"
)

// CampaignJob materializes due scheduled campaigns into queue items
type CampaignJob struct {
	processor *schedulerprocessor.SchedulerProcessor
	interval  time.Duration
}

func NewCampaignJob(processor *schedulerprocessor.SchedulerProcessor, interval time.Duration) *CampaignJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CampaignJob{
		processor: processor,
		interval:  interval,
	}
}

func (j *CampaignJob) Name() string {
	return "campaign-scheduler"
}

func (j *CampaignJob) Run(ctx context.Context) error {
	_, err := j.processor.Tick(ctx, time.Now().UTC())
	return err
}

func (j *CampaignJob) Schedule() time.Duration {
	return j.interval
}
