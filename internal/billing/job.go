package billing

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/harborview-assoc/harborview/internal/jobs"
	"github.com/harborview-assoc/harborview/jobs"
)

// LateFeeSweepJob processes bulk late-fee tasks.
type LateFeeSweepJob struct {
	service *Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewLateFeeSweepJob constructs a job handler.
func NewLateFeeSweepJob(service *Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *LateFeeSweepJob {
	return &LateFeeSweepJob{service: service, logger: logger, metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *LateFeeSweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload jobs.LateFeeSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track("late_fee_sweep")
	summary, err := j.service.ApplyLateFeesBulk(ctx)
	if err != nil {
		if j.logger != nil {
			j.logger.Error("late fee sweep", slog.Any("error", err))
		}
		return tracker.End(err)
	}
	if j.logger != nil {
		j.logger.Info("late fee sweep finished",
			slog.Time("requested_at", payload.RequestedAt),
			slog.Int("processed", summary.Processed),
			slog.Int("failed", summary.Failed))
	}
	return tracker.End(nil)
}
