package indexer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/courtdata/statpipe/internal/pipeline"
)

// Config controls the HTTP forwarder.
type Config struct {
	// Endpoint is the full URL batches are posted to.
	Endpoint string
	// Timeout bounds a single post, including retries within it.
	Timeout time.Duration
	// RetryCount is the number of additional attempts after a failed post.
	RetryCount int
}

// HTTP posts stat line batches to the indexing service as JSON.
type HTTP struct {
	endpoint string
	client   *resty.Client
	logger   *zap.Logger
}

// batchEnvelope is the wire form the indexing service accepts.
type batchEnvelope struct {
	Lines []pipeline.StatLine `json:"lines"`
}

// NewHTTP constructs an HTTP forwarder.
func NewHTTP(cfg Config, logger *zap.Logger) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &HTTP{
		endpoint: cfg.Endpoint,
		client:   client,
		logger:   logger,
	}
}

// Index posts the batch. Empty batches are skipped without a request.
func (h *HTTP) Index(ctx context.Context, lines []pipeline.StatLine) error {
	if len(lines) == 0 {
		return nil
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(batchEnvelope{Lines: lines}).
		Post(h.endpoint)
	if err != nil {
		return fmt.Errorf("index post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("index post: %s", resp.Status())
	}
	h.logger.Debug("batch indexed",
		zap.Int("lines", len(lines)), zap.Int("status", resp.StatusCode()))
	return nil
}
