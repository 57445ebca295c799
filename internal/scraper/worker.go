// Package scraper implements the worker pool that drains the tasks topic,
// fetches pages, and publishes terminal results.
package scraper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/progress"
	"github.com/courtdata/statpipe/internal/queue"
)

const poolName = "scraper"

// Config controls a single scraper worker.
type Config struct {
	WorkerID        string
	TaskTopic       string
	ResultTopic     string
	DeadLetterTopic string
	Group           string
	Partitions      []int
}

// Worker consumes tasks from its partitions and runs the fetch state machine:
// dedup skip, rate-limited fetch with retries, dead-letter on exhaustion,
// store then publish on success. Every terminal outcome acknowledges the task.
type Worker struct {
	broker   pipeline.Broker
	store    pipeline.Store
	probe    pipeline.Fetcher
	headless pipeline.Fetcher
	detector pipeline.HeadlessDetector
	limiter  pipeline.Limiter
	policy   pipeline.RetryPolicy
	hasher   pipeline.Hasher
	clock    pipeline.Clock
	emitter  progress.Emitter
	stats    *Stats
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	broker pipeline.Broker,
	store pipeline.Store,
	probe pipeline.Fetcher,
	headless pipeline.Fetcher,
	detector pipeline.HeadlessDetector,
	limiter pipeline.Limiter,
	policy pipeline.RetryPolicy,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	emitter progress.Emitter,
	stats *Stats,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		broker:   broker,
		store:    store,
		probe:    probe,
		headless: headless,
		detector: detector,
		limiter:  limiter,
		policy:   policy,
		hasher:   hasher,
		clock:    clock,
		emitter:  emitter,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming tasks until the context finishes or the broker fails.
// A broker failure is returned to the caller; cancellation returns nil.
func (w *Worker) Run(ctx context.Context) error {
	sub := pipeline.Subscription{
		Topic:      w.cfg.TaskTopic,
		Group:      w.cfg.Group,
		Consumer:   w.cfg.WorkerID,
		Partitions: w.cfg.Partitions,
	}
	for {
		d, err := w.broker.Consume(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("task consume failed", zap.Error(err))
			return fmt.Errorf("consume %s: %w", w.cfg.TaskTopic, err)
		}
		w.processTask(ctx, sub, d)
	}
}

func (w *Worker) processTask(ctx context.Context, sub pipeline.Subscription, d pipeline.Delivery) {
	metrics.IncActiveWorkers(poolName)
	defer metrics.DecActiveWorkers(poolName)

	task, err := queue.DecodeTask(d.Value)
	if err != nil {
		w.logger.Warn("dropping malformed task",
			zap.String("delivery_id", d.ID), zap.Int("partition", d.Partition), zap.Error(err))
		metrics.ObservePoisonMessage(sub.Topic)
		w.stats.Poisoned.Add(1)
		w.ack(ctx, sub, d)
		return
	}
	w.stats.Processed.Add(1)

	exists, err := w.store.Exists(ctx, task.URL)
	if err != nil {
		// Leave the task pending; it will be redelivered once the store is back.
		w.logger.Error("store lookup failed", zap.String("url", task.URL), zap.Error(err))
		return
	}
	if exists {
		w.skip(ctx, sub, d, task)
		return
	}

	start := w.clock.Now()
	doc, attempts, err := w.fetchWithRetry(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-task; the unacked delivery is redelivered later.
			return
		}
		w.exhaust(ctx, sub, d, task, attempts, err)
		return
	}

	if err := w.store.StorePage(ctx, doc); err != nil {
		w.logger.Error("page store failed", zap.String("url", task.URL), zap.Error(err))
		return
	}

	result := pipeline.Result{
		URL:    task.URL,
		Status: pipeline.FetchSucceeded,
		Data: &pipeline.ResultData{
			DocID:        doc.ContentHash,
			Bytes:        int64(len(doc.Body)),
			ContentType:  doc.ContentType,
			UsedHeadless: doc.UsedHeadless,
		},
		Attempts: attempts,
		WorkerID: w.cfg.WorkerID,
		Priority: task.Priority,
		Metadata: task.Metadata,
	}
	if err := w.publishResult(ctx, result); err != nil {
		// No ack: storing the page again on redelivery is idempotent, and the
		// processors must not miss a success result.
		w.logger.Error("result publish failed", zap.String("url", task.URL), zap.Error(err))
		return
	}

	w.stats.Succeeded.Add(1)
	dur := w.clock.Now().Sub(start)
	metrics.ObserveFetch(task.URL, "success", len(doc.Body), dur)
	w.emitFetchDone(task, result, doc.StatusCode, int64(len(doc.Body)), dur, "")
	w.logger.Info("page scraped",
		zap.String("url", task.URL),
		zap.Int("attempts", attempts),
		zap.Bool("headless", doc.UsedHeadless),
		zap.Int("bytes", len(doc.Body)),
	)
	w.ack(ctx, sub, d)
}

func (w *Worker) skip(ctx context.Context, sub pipeline.Subscription, d pipeline.Delivery, task pipeline.Task) {
	result := pipeline.Result{
		URL:      task.URL,
		Status:   pipeline.FetchSkipped,
		Reason:   pipeline.ReasonAlreadyScraped,
		WorkerID: w.cfg.WorkerID,
		Priority: task.Priority,
		Metadata: task.Metadata,
	}
	if err := w.publishResult(ctx, result); err != nil {
		w.logger.Error("skip result publish failed", zap.String("url", task.URL), zap.Error(err))
		return
	}
	w.stats.Skipped.Add(1)
	metrics.ObserveFetch(task.URL, "skipped", 0, 0)
	w.emitFetchDone(task, result, 0, 0, 0, pipeline.ReasonAlreadyScraped)
	w.logger.Debug("url already scraped", zap.String("url", task.URL))
	w.ack(ctx, sub, d)
}

// fetchWithRetry runs up to the policy's attempt budget, sleeping only
// between attempts. The returned attempt count includes the final one.
func (w *Worker) fetchWithRetry(ctx context.Context, task pipeline.Task) (pipeline.PageDocument, int, error) {
	for attempt := 0; ; attempt++ {
		if err := w.limiter.Wait(ctx, task.URL); err != nil {
			return pipeline.PageDocument{}, attempt, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := w.fetchOnce(ctx, task)
		if err == nil {
			doc, buildErr := w.buildDocument(task, resp)
			if buildErr == nil {
				return doc, attempt + 1, nil
			}
			err = buildErr
		}

		metrics.ObserveFetch(task.URL, "error", 0, 0)
		if !w.policy.ShouldRetry(err, attempt+1) {
			return pipeline.PageDocument{}, attempt + 1, err
		}

		w.stats.Retried.Add(1)
		metrics.ObserveRetry(task.URL)
		delay := w.policy.Backoff(attempt)
		w.logger.Warn("fetch attempt failed",
			zap.String("url", task.URL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return pipeline.PageDocument{}, attempt + 1, fmt.Errorf("fetch backoff: %w", ctx.Err())
		case <-w.clock.After(delay):
		}
	}
}

func (w *Worker) fetchOnce(ctx context.Context, task pipeline.Task) (pipeline.FetchResponse, error) {
	resp, err := w.probe.Fetch(ctx, pipeline.FetchRequest{URL: task.URL})
	if err != nil {
		return pipeline.FetchResponse{}, fmt.Errorf("probe fetch: %w", err)
	}
	if promoted, ok := w.maybePromote(ctx, task.URL, resp); ok {
		return promoted, nil
	}
	return resp, nil
}

func (w *Worker) maybePromote(ctx context.Context, url string, resp pipeline.FetchResponse) (pipeline.FetchResponse, bool) {
	if w.detector == nil || w.headless == nil {
		return resp, false
	}
	if !w.detector.ShouldPromote(resp) {
		return resp, false
	}

	headlessResp, err := w.headless.Fetch(ctx, pipeline.FetchRequest{URL: url, UseHeadless: true})
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return resp, false
	}
	headlessResp.UsedHeadless = true
	w.logger.Info("headless promotion applied", zap.String("url", url))
	return headlessResp, true
}

// buildDocument keys the page by the task URL, not the final URL after
// redirects, so Exists and GetPage agree with the result message.
func (w *Worker) buildDocument(task pipeline.Task, resp pipeline.FetchResponse) (pipeline.PageDocument, error) {
	hash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return pipeline.PageDocument{}, fmt.Errorf("hash body: %w", err)
	}
	metadata := make(map[string]any, len(task.Metadata)+1)
	for k, v := range task.Metadata {
		metadata[k] = v
	}
	metadata["worker_id"] = w.cfg.WorkerID
	return pipeline.PageDocument{
		URL:          task.URL,
		Body:         resp.Body,
		ContentType:  resp.Headers.Get("Content-Type"),
		StatusCode:   resp.StatusCode,
		UsedHeadless: resp.UsedHeadless,
		Status:       string(pipeline.FetchSucceeded),
		ContentHash:  hash,
		FetchedAt:    w.clock.Now(),
		DurationMs:   resp.Duration.Milliseconds(),
		Metadata:     metadata,
	}, nil
}

// exhaust handles a task whose attempts are used up: durable dead letter,
// best-effort advisory notice, failed result, then ack. None of the three
// steps blocks the ack; duplicates are worse than a lost advisory here.
func (w *Worker) exhaust(
	ctx context.Context,
	sub pipeline.Subscription,
	d pipeline.Delivery,
	task pipeline.Task,
	attempts int,
	fetchErr error,
) {
	w.stats.Failed.Add(1)
	w.stats.DeadLettered.Add(1)

	rec := pipeline.DeadLetterRecord{
		URL:        task.URL,
		Error:      fetchErr.Error(),
		Metadata:   task.Metadata,
		WorkerID:   w.cfg.WorkerID,
		FailedAt:   w.clock.Now(),
		RetryCount: attempts,
	}
	if err := w.store.SaveDeadLetter(ctx, rec); err != nil {
		w.logger.Error("dead letter save failed", zap.String("url", task.URL), zap.Error(err))
	}
	metrics.ObserveDeadLetter()
	w.publishNotice(ctx, task.URL, fetchErr)

	result := pipeline.Result{
		URL:      task.URL,
		Status:   pipeline.FetchFailed,
		Reason:   pipeline.ReasonScrapingFailed,
		Error:    fetchErr.Error(),
		Attempts: attempts,
		WorkerID: w.cfg.WorkerID,
		Priority: task.Priority,
		Metadata: task.Metadata,
	}
	if err := w.publishResult(ctx, result); err != nil {
		w.logger.Error("failed result publish failed", zap.String("url", task.URL), zap.Error(err))
	}

	metrics.ObserveFetch(task.URL, "failed", 0, 0)
	w.emitFetchDone(task, result, 0, 0, 0, fetchErr.Error())
	w.logger.Warn("task exhausted",
		zap.String("url", task.URL),
		zap.Int("attempts", attempts),
		zap.Error(fetchErr),
	)
	w.ack(ctx, sub, d)
}

func (w *Worker) publishResult(ctx context.Context, result pipeline.Result) error {
	payload, err := queue.EncodeResult(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := w.broker.Publish(ctx, w.cfg.ResultTopic, result.URL, payload); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (w *Worker) publishNotice(ctx context.Context, url string, fetchErr error) {
	if w.cfg.DeadLetterTopic == "" {
		return
	}
	payload, err := queue.EncodeNotice(pipeline.DeadLetterNotice{
		URL:       url,
		Error:     fetchErr.Error(),
		Timestamp: w.clock.Now(),
	})
	if err != nil {
		w.logger.Warn("dead letter notice encode failed", zap.Error(err))
		return
	}
	if err := w.broker.Publish(ctx, w.cfg.DeadLetterTopic, url, payload); err != nil {
		w.logger.Warn("dead letter notice publish failed", zap.String("url", url), zap.Error(err))
	}
}

func (w *Worker) emitFetchDone(
	task pipeline.Task,
	result pipeline.Result,
	statusCode int,
	bytes int64,
	dur time.Duration,
	note string,
) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(progress.Event{
		JobID:       progress.JobIDFromMetadata(task.Metadata),
		TS:          w.clock.Now(),
		Stage:       progress.StageFetchDone,
		Site:        metrics.SanitizeSite(task.URL),
		URL:         task.URL,
		Outcome:     string(result.Status),
		StatusClass: progress.ClassifyStatus(statusCode),
		Bytes:       bytes,
		Dur:         dur,
		Note:        note,
	})
}

func (w *Worker) ack(ctx context.Context, sub pipeline.Subscription, d pipeline.Delivery) {
	if err := w.broker.Ack(ctx, sub, d); err != nil {
		w.logger.Error("ack failed", zap.String("delivery_id", d.ID), zap.Error(err))
	}
}
