package app

import (
	"fmt"
	"time"

	collyfetcher "github.com/courtdata/statpipe/internal/fetcher/colly"
	headlessfetcher "github.com/courtdata/statpipe/internal/fetcher/headless"
	sha256hash "github.com/courtdata/statpipe/internal/hash/sha256"
	"github.com/courtdata/statpipe/internal/headless/detector"
	"github.com/courtdata/statpipe/internal/indexer"
	"github.com/courtdata/statpipe/internal/orchestrator"
	"github.com/courtdata/statpipe/internal/pipeline"
	"github.com/courtdata/statpipe/internal/processor"
	"github.com/courtdata/statpipe/internal/ratelimit"
	"github.com/courtdata/statpipe/internal/scraper"
)

// ScraperPool builds the fetch pool with its fetchers, promotion detector,
// and per-domain limiter.
func (d *Deps) ScraperPool() (*scraper.Pool, error) {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:     d.Cfg.Scraper.UserAgent,
		RespectRobots: d.Cfg.Scraper.RespectRobots,
		Timeout:       d.Cfg.FetchTimeout(),
	})

	var headless pipeline.Fetcher
	var detect pipeline.HeadlessDetector
	if d.Cfg.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       d.Cfg.Headless.MaxParallel,
			UserAgent:         d.Cfg.Scraper.UserAgent,
			NavigationTimeout: time.Duration(d.Cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher: %w", err)
		}
		headless = hf
		detect = detector.NewHeuristic(d.Cfg.Headless.MinBodyBytes)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   d.Cfg.Scraper.RatePerSecond,
		DefaultBurst: d.Cfg.Scraper.RateBurst,
	})

	return scraper.NewPool(
		d.Broker,
		d.Store,
		probe,
		headless,
		detect,
		limiter,
		pipeline.NewExponentialRetryPolicy(),
		sha256hash.New(),
		d.Clock,
		d.IDs,
		d.Hub,
		scraper.PoolConfig{
			Workers:         d.Cfg.Scraper.Workers,
			TaskTopic:       d.Cfg.Topics.Tasks,
			ResultTopic:     d.Cfg.Topics.Results,
			DeadLetterTopic: d.Cfg.Topics.DeadLetter,
			Group:           d.Cfg.Groups.Scrapers,
		},
		d.Logger.Named("scraper"),
	), nil
}

// ProcessorPool builds the normalize-and-upsert pool with its index
// forwarder. An empty indexer endpoint forwards to nothing.
func (d *Deps) ProcessorPool() *processor.Pool {
	var idx pipeline.Indexer
	if d.Cfg.Indexer.Endpoint != "" {
		idx = indexer.NewHTTP(indexer.Config{
			Endpoint: d.Cfg.Indexer.Endpoint,
			Timeout:  d.Cfg.IndexerTimeout(),
		}, d.Logger.Named("indexer"))
	} else {
		idx = indexer.NewNoop()
	}

	return processor.NewPool(
		d.Broker,
		d.Store,
		nil,
		idx,
		d.Clock,
		d.IDs,
		d.Hub,
		processor.PoolConfig{
			Workers:     d.Cfg.Processor.Workers,
			ResultTopic: d.Cfg.Topics.Results,
			Group:       d.Cfg.Groups.Processors,
			SeasonType:  d.Cfg.Processor.DefaultSeasonType,
		},
		d.Logger.Named("processor"),
	)
}

// Orchestrator builds the submission and monitoring service.
func (d *Deps) Orchestrator() *orchestrator.Service {
	return orchestrator.New(
		d.Store,
		d.Broker,
		d.Hub,
		d.Clock,
		d.IDs,
		orchestrator.Config{
			TaskTopic:      d.Cfg.Topics.Tasks,
			ResultTopic:    d.Cfg.Topics.Results,
			ScraperGroup:   d.Cfg.Groups.Scrapers,
			ProcessorGroup: d.Cfg.Groups.Processors,
		},
		d.Logger.Named("orchestrator"),
	)
}
