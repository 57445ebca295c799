package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/progress"
)

// Watch statuses reported on a Progress.
const (
	WatchCompleted = "completed"
	WatchTimeout   = "timeout"
)

// Default watch cadence.
const (
	DefaultWatchTimeout = 300 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// WatchOptions bound a progress watch.
type WatchOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// Progress is the terminal observation of a watch.
type Progress struct {
	Status      string        `json:"status"`
	Elapsed     time.Duration `json:"elapsed"`
	Backlog     int64         `json:"backlog"`
	RecordCount int64         `json:"record_count"`
}

// BacklogSnapshot reports the pending counts the monitor watches.
type BacklogSnapshot struct {
	Tasks   int64 `json:"tasks"`
	Results int64 `json:"results"`
}

// Total is the combined backlog across both topics.
func (b BacklogSnapshot) Total() int64 {
	return b.Tasks + b.Results
}

// Backlog reads the pending counts for the tasks and results topics and
// refreshes the backlog gauges.
func (s *Service) Backlog(ctx context.Context) (BacklogSnapshot, error) {
	tasks, err := s.broker.PendingCount(ctx, s.cfg.TaskTopic, s.cfg.ScraperGroup)
	if err != nil {
		return BacklogSnapshot{}, fmt.Errorf("task backlog: %w", err)
	}
	results, err := s.broker.PendingCount(ctx, s.cfg.ResultTopic, s.cfg.ProcessorGroup)
	if err != nil {
		return BacklogSnapshot{}, fmt.Errorf("result backlog: %w", err)
	}
	metrics.SetQueueBacklog(s.cfg.TaskTopic, s.cfg.ScraperGroup, tasks)
	metrics.SetQueueBacklog(s.cfg.ResultTopic, s.cfg.ProcessorGroup, results)
	return BacklogSnapshot{Tasks: tasks, Results: results}, nil
}

// Watch polls the queue backlog and the record count until the job looks
// complete or the timeout passes. Completion is a liveness heuristic, not a
// guarantee: the backlog must be empty and the record count must have
// advanced since the previous poll. A receipt that submitted nothing is
// trivially complete.
func (s *Service) Watch(ctx context.Context, receipt Receipt, opts WatchOptions) (Progress, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWatchTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if receipt.Submitted == 0 {
		return Progress{Status: WatchCompleted}, nil
	}

	jobID := jobUUID(receipt.JobID)
	start := s.clock.Now()
	var lastCount int64
	var backlog, count int64

	for s.clock.Now().Sub(start) < opts.Timeout {
		snap, err := s.Backlog(ctx)
		if err != nil {
			return Progress{}, err
		}
		backlog = snap.Total()

		count, err = s.store.CountRecords(ctx)
		if err != nil {
			return Progress{}, fmt.Errorf("record count: %w", err)
		}

		elapsed := s.clock.Now().Sub(start)
		s.emitJob(progress.StageJobHB, jobID, elapsed, "")
		s.logger.Info("job progress",
			zap.String("job_id", receipt.JobID),
			zap.Int64("backlog", backlog),
			zap.Int64("records", count),
			zap.Duration("elapsed", elapsed),
		)

		if backlog == 0 && count > lastCount {
			s.emitJob(progress.StageJobDone, jobID, elapsed, "")
			s.logger.Info("job complete", zap.String("job_id", receipt.JobID), zap.Duration("elapsed", elapsed))
			return Progress{Status: WatchCompleted, Elapsed: elapsed, Backlog: backlog, RecordCount: count}, nil
		}
		lastCount = count

		select {
		case <-ctx.Done():
			return Progress{}, fmt.Errorf("watch canceled: %w", ctx.Err())
		case <-s.clock.After(opts.PollInterval):
		}
	}

	elapsed := s.clock.Now().Sub(start)
	s.emitJob(progress.StageJobError, jobID, elapsed, "monitor timeout")
	s.logger.Warn("job watch timed out",
		zap.String("job_id", receipt.JobID),
		zap.Int64("backlog", backlog),
		zap.Int64("records", count),
	)
	return Progress{Status: WatchTimeout, Elapsed: elapsed, Backlog: backlog, RecordCount: count}, nil
}
