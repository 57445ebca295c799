// Package processor implements the worker pool that drains the results
// topic, normalizes scraped stat rows, and upserts them into the store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/metrics"
	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/progress"
	"github.com/courtdata/statpipe/internal/queue"
)

const poolName = "processor"

// defaultSeasonType labels lines whose source row does not carry one.
const defaultSeasonType = "Regular Season"

// Config controls a single processor worker.
type Config struct {
	WorkerID    string
	ResultTopic string
	Group       string
	Partitions  []int

	// SeasonType labels lines whose task metadata does not carry one.
	// Empty selects "Regular Season".
	SeasonType string
}

// Worker consumes fetch results from its partitions, loads the stored page
// for successful fetches, extracts and normalizes rows, and upserts valid
// stat lines. Row-level problems skip the row; page-level problems fail the
// result; only store outages leave the delivery unacknowledged.
type Worker struct {
	broker     pipeline.Broker
	store      pipeline.Store
	extractor  pipeline.Extractor
	indexer    pipeline.Indexer
	normalizer *Normalizer
	clock      pipeline.Clock
	emitter    progress.Emitter
	stats      *Stats
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. A nil extractor selects the JSON extractor; a nil
// indexer disables forwarding.
func New(
	broker pipeline.Broker,
	store pipeline.Store,
	extractor pipeline.Extractor,
	indexer pipeline.Indexer,
	clock pipeline.Clock,
	emitter progress.Emitter,
	stats *Stats,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if extractor == nil {
		extractor = NewJSONExtractor()
	}
	if stats == nil {
		stats = &Stats{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SeasonType == "" {
		cfg.SeasonType = defaultSeasonType
	}
	return &Worker{
		broker:     broker,
		store:      store,
		extractor:  extractor,
		indexer:    indexer,
		normalizer: NewNormalizer(),
		clock:      clock,
		emitter:    emitter,
		stats:      stats,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming results until the context finishes or the broker
// fails. A broker failure is returned to the caller; cancellation returns
// nil.
func (w *Worker) Run(ctx context.Context) error {
	sub := pipeline.Subscription{
		Topic:      w.cfg.ResultTopic,
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
			w.logger.Error("result consume failed", zap.Error(err))
			return fmt.Errorf("consume %s: %w", w.cfg.ResultTopic, err)
		}
		w.processResult(ctx, sub, d)
	}
}

func (w *Worker) processResult(ctx context.Context, sub pipeline.Subscription, d pipeline.Delivery) {
	metrics.IncActiveWorkers(poolName)
	defer metrics.DecActiveWorkers(poolName)

	result, err := queue.DecodeResult(d.Value)
	if err != nil {
		w.logger.Warn("dropping malformed result",
			zap.String("delivery_id", d.ID), zap.Int("partition", d.Partition), zap.Error(err))
		metrics.ObservePoisonMessage(sub.Topic)
		w.stats.Poisoned.Add(1)
		w.ack(ctx, sub, d)
		return
	}
	w.stats.Processed.Add(1)
	start := w.clock.Now()

	if result.Status != pipeline.FetchSucceeded {
		w.stats.Skipped.Add(1)
		w.emitProcessDone(result, "skipped", 0, 0, result.Reason)
		w.logger.Debug("result needs no processing",
			zap.String("url", result.URL), zap.String("status", string(result.Status)))
		w.ack(ctx, sub, d)
		return
	}

	page, err := w.store.GetPage(ctx, result.URL)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			// The result claims success but the page never made it into the
			// store. Nothing to reprocess; record the failure and move on.
			w.stats.Failed.Add(1)
			w.emitProcessDone(result, "failed", 0, w.clock.Now().Sub(start), "page missing")
			w.logger.Error("page missing for successful result", zap.String("url", result.URL))
			w.ack(ctx, sub, d)
			return
		}
		// Leave the delivery pending; it will be redelivered once the store
		// is back.
		w.logger.Error("page load failed", zap.String("url", result.URL), zap.Error(err))
		return
	}

	rows, err := w.extractor.Extract(page.Body)
	if err != nil {
		w.stats.Failed.Add(1)
		w.emitProcessDone(result, "failed", 0, w.clock.Now().Sub(start), err.Error())
		w.logger.Warn("payload decode failed", zap.String("url", result.URL), zap.Error(err))
		w.ack(ctx, sub, d)
		return
	}

	batch, skipped, err := w.upsertRows(ctx, result, rows)
	if err != nil {
		// No ack: upserts are idempotent, so redelivery replays the page
		// without duplicating lines.
		w.logger.Error("record upsert failed", zap.String("url", result.URL), zap.Error(err))
		return
	}
	w.forwardBatch(ctx, result.URL, batch)

	w.stats.Succeeded.Add(1)
	dur := w.clock.Now().Sub(start)
	note := ""
	if len(rows) == 0 {
		note = "no rows extracted"
	}
	w.emitProcessDone(result, "success", int64(len(batch)), dur, note)
	w.logger.Info("result processed",
		zap.String("url", result.URL),
		zap.Int("rows", len(rows)),
		zap.Int("upserted", len(batch)),
		zap.Int("skipped", skipped),
	)
	w.ack(ctx, sub, d)
}

// upsertRows normalizes and stores every usable row. Rows without a player
// name or failing validation are counted and skipped; a store error aborts
// the batch so the delivery can be replayed.
func (w *Worker) upsertRows(ctx context.Context, result pipeline.Result, rows []map[string]any) ([]pipeline.StatLine, int, error) {
	batch := make([]pipeline.StatLine, 0, len(rows))
	skipped := 0
	season := seasonTypeFromMetadata(result.Metadata, w.cfg.SeasonType)

	for _, row := range rows {
		name := playerNameFromRow(row)
		if name == "" {
			skipped++
			w.stats.RecordsSkipped.Add(1)
			metrics.ObserveRecordSkipped("missing_player")
			continue
		}

		line := w.normalizer.Normalize(name, row, season, result.URL, w.clock.Now())
		if err := w.normalizer.Validate(line); err != nil {
			skipped++
			w.stats.RecordsSkipped.Add(1)
			metrics.ObserveRecordSkipped("invalid")
			w.logger.Warn("skipping invalid stat line",
				zap.String("player", name), zap.String("url", result.URL), zap.Error(err))
			continue
		}

		if err := w.store.UpsertRecord(ctx, line); err != nil {
			return nil, skipped, fmt.Errorf("upsert %q: %w", line.PlayerName, err)
		}
		w.stats.RecordsUpserted.Add(1)
		metrics.ObserveRecordUpserted()
		batch = append(batch, line)
	}
	return batch, skipped, nil
}

// forwardBatch hands the upserted lines to the indexer. The lines are
// already durable, so a forward failure is logged and counted, never fatal.
func (w *Worker) forwardBatch(ctx context.Context, url string, batch []pipeline.StatLine) {
	if w.indexer == nil || len(batch) == 0 {
		return
	}
	if err := w.indexer.Index(ctx, batch); err != nil {
		w.stats.IndexFailures.Add(1)
		metrics.ObserveIndexForward("error")
		w.logger.Warn("index forward failed",
			zap.String("url", url), zap.Int("lines", len(batch)), zap.Error(err))
		return
	}
	metrics.ObserveIndexForward("success")
}

func (w *Worker) emitProcessDone(result pipeline.Result, outcome string, records int64, dur time.Duration, note string) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(progress.Event{
		JobID:   progress.JobIDFromMetadata(result.Metadata),
		TS:      w.clock.Now(),
		Stage:   progress.StageProcessDone,
		Site:    metrics.SanitizeSite(result.URL),
		URL:     result.URL,
		Outcome: outcome,
		Records: records,
		Dur:     dur,
		Note:    note,
	})
}

func (w *Worker) ack(ctx context.Context, sub pipeline.Subscription, d pipeline.Delivery) {
	if err := w.broker.Ack(ctx, sub, d); err != nil {
		w.logger.Error("ack failed", zap.String("delivery_id", d.ID), zap.Error(err))
	}
}

// playerNameFromRow pulls the player column under any of the spellings the
// site's tables use.
func playerNameFromRow(row map[string]any) string {
	for _, key := range []string{"PLAYER", "Player", "player_name"} {
		if v, ok := row[key].(string); ok {
			if name := strings.TrimSpace(v); name != "" {
				return name
			}
		}
	}
	return ""
}

func seasonTypeFromMetadata(md map[string]any, fallback string) string {
	if v, ok := md["season_type"].(string); ok {
		if season := strings.TrimSpace(v); season != "" {
			return season
		}
	}
	return fallback
}
