package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/progress"
	"github.com/courtdata/statpipe/internal/queue"
)

const defaultReportInterval = 30 * time.Second

// PoolConfig controls the fixed worker pool.
type PoolConfig struct {
	Workers         int
	TaskTopic       string
	ResultTopic     string
	DeadLetterTopic string
	Group           string
	ReportInterval  time.Duration
}

// Pool runs a fixed number of scraper workers. Partition ownership is static:
// worker i owns every partition p with p mod Workers == i, so per-partition
// ordering survives concurrent consumption.
type Pool struct {
	broker   pipeline.Broker
	store    pipeline.Store
	probe    pipeline.Fetcher
	headless pipeline.Fetcher
	detector pipeline.HeadlessDetector
	limiter  pipeline.Limiter
	policy   pipeline.RetryPolicy
	hasher   pipeline.Hasher
	clock    pipeline.Clock
	ids      pipeline.IDGenerator
	emitter  progress.Emitter
	stats    *Stats
	cfg      PoolConfig
	logger   *zap.Logger
}

// NewPool constructs a Pool.
func NewPool(
	broker pipeline.Broker,
	store pipeline.Store,
	probe pipeline.Fetcher,
	headless pipeline.Fetcher,
	detector pipeline.HeadlessDetector,
	limiter pipeline.Limiter,
	policy pipeline.RetryPolicy,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	ids pipeline.IDGenerator,
	emitter progress.Emitter,
	cfg PoolConfig,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = defaultReportInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		broker:   broker,
		store:    store,
		probe:    probe,
		headless: headless,
		detector: detector,
		limiter:  limiter,
		policy:   policy,
		hasher:   hasher,
		clock:    clock,
		ids:      ids,
		emitter:  emitter,
		stats:    &Stats{},
		cfg:      cfg,
		logger:   logger,
	}
}

// Stats exposes the shared counters for the ops endpoint.
func (p *Pool) Stats() *Stats {
	return p.stats
}

// Run starts the workers and blocks until all of them exit. It returns the
// joined worker errors; cancellation alone yields nil.
func (p *Pool) Run(ctx context.Context) error {
	total := p.broker.Partitions(p.cfg.TaskTopic)
	if p.cfg.Workers > total {
		return fmt.Errorf("scraper pool: %d workers for %d partitions", p.cfg.Workers, total)
	}

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go p.report(reportCtx)

	var wg sync.WaitGroup
	errs := make([]error, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		id, err := p.ids.NewID()
		if err != nil {
			return fmt.Errorf("scraper pool: worker id: %w", err)
		}
		w := New(
			p.broker,
			p.store,
			p.probe,
			p.headless,
			p.detector,
			p.limiter,
			p.policy,
			p.hasher,
			p.clock,
			p.emitter,
			p.stats,
			Config{
				WorkerID:        fmt.Sprintf("scraper-%s", id),
				TaskTopic:       p.cfg.TaskTopic,
				ResultTopic:     p.cfg.ResultTopic,
				DeadLetterTopic: p.cfg.DeadLetterTopic,
				Group:           p.cfg.Group,
				Partitions:      queue.Assign(total, i, p.cfg.Workers),
			},
			p.logger.With(zap.Int("worker", i)),
		)
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.Run(ctx)
		}(i, w)
	}

	wg.Wait()
	return errors.Join(errs...)
}

func (p *Pool) report(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.stats.Snapshot()
			p.logger.Info("scraper stats",
				zap.Int64("processed", snap.Processed),
				zap.Int64("succeeded", snap.Succeeded),
				zap.Int64("skipped", snap.Skipped),
				zap.Int64("failed", snap.Failed),
				zap.Int64("retried", snap.Retried),
				zap.Int64("dead_lettered", snap.DeadLettered),
				zap.Int64("poisoned", snap.Poisoned),
			)
		}
	}
}
