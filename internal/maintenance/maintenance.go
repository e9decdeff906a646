package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/labgate/labgate/internal/domain/audit"
	"github.com/labgate/labgate/internal/domain/results"
	"github.com/labgate/labgate/internal/platform/metrics"
)

// Job runs scheduled housekeeping: a stats snapshot for the logs and, when a
// retention window is configured, purging of old raw messages that already
// reached the ERP.
type Job struct {
	repo          results.Repository
	audit         *audit.Service
	retentionDays int
	cron          *cron.Cron
	log           zerolog.Logger
}

func NewJob(repo results.Repository, auditSvc *audit.Service, retentionDays int, log zerolog.Logger) *Job {
	return &Job{
		repo:          repo,
		audit:         auditSvc,
		retentionDays: retentionDays,
		log:           log,
	}
}

// Start schedules the job with the given cron expression.
func (j *Job) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", spec, err)
	}
	c.Start()
	j.cron = c
	return nil
}

// Stop halts the schedule, waiting for a running job to finish.
func (j *Job) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// RunOnce executes one maintenance cycle.
func (j *Job) RunOnce(ctx context.Context) {
	stats, err := j.repo.Stats(ctx)
	if err != nil {
		j.log.Error().Err(err).Msg("maintenance: stats failed")
	} else {
		metrics.RecordPipelineStats(stats.OpenExams, stats.ClosedExams,
			stats.PendingObs, stats.SentObs, stats.ErrorObs, stats.UnmappedObs)
		j.log.Info().
			Int("open_exams", stats.OpenExams).
			Int("closed_exams", stats.ClosedExams).
			Int("pending", stats.PendingObs).
			Int("sent", stats.SentObs).
			Int("errors", stats.ErrorObs).
			Int("unmapped", stats.UnmappedObs).
			Int("permanent", stats.PermanentObs).
			Int("structural_errors", stats.StructuralErrors).
			Msg("maintenance: pipeline stats")
	}

	if j.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	purged, err := j.repo.PurgeRawMessages(ctx, cutoff)
	if err != nil {
		j.log.Error().Err(err).Msg("maintenance: purge failed")
		return
	}
	if purged > 0 {
		j.audit.Record(ctx, &audit.Entry{
			Action: audit.ActionRetentionPurge,
			Detail: map[string]interface{}{
				"purged": purged,
				"cutoff": cutoff.Format(time.RFC3339),
			},
		})
		j.log.Info().Int("purged", purged).Time("cutoff", cutoff).Msg("maintenance: raw messages purged")
	}
}
