// Package orchestrator submits scraping jobs to the tasks topic and watches
// their progress through queue backlogs and the record count.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/progress"
	"github.com/courtdata/statpipe/internal/queue"
)

// Submission statuses reported on a Receipt.
const (
	StatusSubmitted = "submitted"
	StatusNoNewURLs = "no_new_urls"
)

// Config names the topics and consumer groups the orchestrator watches.
type Config struct {
	TaskTopic      string
	ResultTopic    string
	ScraperGroup   string
	ProcessorGroup string
}

// Service submits URL batches and monitors their progress. It owns no state
// beyond its collaborators; every submission is independent.
type Service struct {
	store   pipeline.Store
	broker  pipeline.Broker
	emitter progress.Emitter
	clock   pipeline.Clock
	ids     pipeline.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Service.
func New(
	store pipeline.Store,
	broker pipeline.Broker,
	emitter progress.Emitter,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		broker:  broker,
		emitter: emitter,
		clock:   clock,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
	}
}

// Receipt reports what a submission did. AcceptedURLs lists the URLs that
// were actually published, in input order.
type Receipt struct {
	JobID        string   `json:"job_id"`
	Status       string   `json:"status"`
	TotalURLs    int      `json:"total_urls"`
	Submitted    int      `json:"submitted"`
	Skipped      int      `json:"skipped"`
	AcceptedURLs []string `json:"accepted_urls,omitempty"`
}

// Submit dedups the batch against the store and publishes the remainder as
// tasks keyed by URL. URLs already scraped, and duplicates within the batch,
// are counted as skipped. An invalid URL or an unreachable store fails the
// whole submission before anything is published.
func (s *Service) Submit(ctx context.Context, urls []string, metadata map[string]any, priority int) (Receipt, error) {
	jobID, err := s.ids.NewID()
	if err != nil {
		return Receipt{}, fmt.Errorf("job id: %w", err)
	}
	receipt := Receipt{JobID: jobID, TotalURLs: len(urls)}

	seen := make(map[string]struct{}, len(urls))
	accepted := make([]string, 0, len(urls))
	for _, raw := range urls {
		url := strings.TrimSpace(raw)
		if err := queue.ValidateTask(pipeline.Task{URL: url}); err != nil {
			return Receipt{}, err
		}
		if _, dup := seen[url]; dup {
			receipt.Skipped++
			continue
		}
		seen[url] = struct{}{}

		exists, err := s.store.Exists(ctx, url)
		if err != nil {
			return Receipt{}, fmt.Errorf("dedup lookup %s: %w", url, err)
		}
		if exists {
			receipt.Skipped++
			s.logger.Debug("url already scraped", zap.String("url", url))
			continue
		}
		accepted = append(accepted, url)
	}

	metrics.ObserveSubmission("skipped", receipt.Skipped)
	if len(accepted) == 0 {
		receipt.Status = StatusNoNewURLs
		s.logger.Warn("no new urls in submission", zap.Int("total", receipt.TotalURLs))
		return receipt, nil
	}

	taskMeta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		taskMeta[k] = v
	}
	taskMeta["job_id"] = jobID

	for _, url := range accepted {
		payload, err := queue.EncodeTask(pipeline.Task{URL: url, Metadata: taskMeta, Priority: priority})
		if err != nil {
			return Receipt{}, err
		}
		if err := s.broker.Publish(ctx, s.cfg.TaskTopic, url, payload); err != nil {
			return Receipt{}, fmt.Errorf("publish task %s: %w", url, err)
		}
	}

	receipt.Status = StatusSubmitted
	receipt.Submitted = len(accepted)
	receipt.AcceptedURLs = accepted
	metrics.ObserveSubmission("submitted", receipt.Submitted)

	s.emitJob(progress.StageJobStart, jobUUID(jobID), 0,
		fmt.Sprintf("submitted %d of %d urls", receipt.Submitted, receipt.TotalURLs))
	s.logger.Info("scraping job submitted",
		zap.String("job_id", jobID),
		zap.Int("submitted", receipt.Submitted),
		zap.Int("skipped", receipt.Skipped),
	)
	return receipt, nil
}

func (s *Service) emitJob(stage progress.Stage, jobID [16]byte, dur time.Duration, note string) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(progress.Event{
		JobID: jobID,
		TS:    s.clock.Now(),
		Stage: stage,
		Dur:   dur,
		Note:  note,
	})
}

// jobUUID parses the receipt's job ID into the event form. IDs not minted by
// this service parse to the zero ID.
func jobUUID(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return progress.UUIDToBytes(parsed)
}
