// Package main hosts the orchestrator binary. It submits URL batches to the
// tasks topic, optionally watches their progress, and can serve the control
// API instead.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/courtdata/statpipe/internal/api"
	"github.com/courtdata/statpipe/internal/app"
	"github.com/courtdata/statpipe/internal/config"
	"github.com/courtdata/statpipe/internal/logging"
	"github.com/courtdata/statpipe/internal/orchestrator"
)

type options struct {
	urls     string
	urlsFile string
	meta     metaFlags
	priority int
	watch    bool
	timeout  time.Duration
	poll     time.Duration
	serve    bool
}

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	opts := options{meta: metaFlags{}}
	flag.StringVar(&opts.urls, "urls", "", "Comma-separated URLs to submit")
	flag.StringVar(&opts.urlsFile, "urls-file", "", "File with one URL per line")
	flag.Var(opts.meta, "meta", "Metadata key=value stamped onto every task (repeatable)")
	flag.IntVar(&opts.priority, "priority", 0, "Priority for the submitted tasks")
	flag.BoolVar(&opts.watch, "watch", false, "Poll the job until it completes or times out")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Watch timeout (default from config)")
	flag.DurationVar(&opts.poll, "poll", 0, "Watch poll interval (default from config)")
	flag.BoolVar(&opts.serve, "serve", false, "Serve the control API instead of submitting")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("orchestrator failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, logger *zap.Logger) error {
	deps, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer deps.Close(context.Background())

	svc := deps.Orchestrator()

	if opts.serve {
		server := api.NewServer(svc, deps.Store, logger.Named("api"))
		return app.ServeHTTP(ctx, cfg.Server.Port, server.Handler(), logger.Named("api"))
	}

	urls, err := collectURLs(opts.urls, opts.urlsFile)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("nothing to submit; pass -urls, -urls-file, or -serve")
	}

	metadata := make(map[string]any, len(opts.meta))
	for k, v := range opts.meta {
		metadata[k] = v
	}

	receipt, err := svc.Submit(ctx, urls, metadata, opts.priority)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	printJSON(receipt)

	if !opts.watch {
		return nil
	}

	watchOpts := orchestrator.WatchOptions{Timeout: cfg.MonitorTimeout(), PollInterval: cfg.PollInterval()}
	if opts.timeout > 0 {
		watchOpts.Timeout = opts.timeout
	}
	if opts.poll > 0 {
		watchOpts.PollInterval = opts.poll
	}
	progress, err := svc.Watch(ctx, receipt, watchOpts)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	printJSON(progress)
	if progress.Status != orchestrator.WatchCompleted {
		return fmt.Errorf("job %s %s after %s", receipt.JobID, progress.Status, progress.Elapsed)
	}
	return nil
}

// collectURLs merges the -urls list with the lines of -urls-file. Blank
// lines and #-comments in the file are skipped.
func collectURLs(csv, path string) ([]string, error) {
	var urls []string
	for _, u := range strings.Split(csv, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if path == "" {
		return urls, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open urls file: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read urls file: %w", err)
	}
	return urls, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		zap.L().Error("encode output failed", zap.Error(err))
	}
}

// metaFlags accumulates repeated -meta key=value flags.
type metaFlags map[string]string

func (m metaFlags) String() string {
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (m metaFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	m[strings.TrimSpace(key)] = strings.TrimSpace(val)
	return nil
}
