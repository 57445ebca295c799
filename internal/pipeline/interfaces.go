package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups that miss.
var ErrNotFound = errors.New("pipeline: not found")

// Store persists raw pages, normalized stat lines, and dead letters.
type Store interface {
	// Exists reports whether a page for the URL has already been stored.
	Exists(ctx context.Context, url string) (bool, error)
	// StorePage persists a raw page document keyed by URL.
	StorePage(ctx context.Context, page PageDocument) error
	// GetPage loads the raw page document for a URL, or ErrNotFound.
	GetPage(ctx context.Context, url string) (PageDocument, error)
	// UpsertRecord inserts or replaces a stat line keyed by
	// (player_name, season_type).
	UpsertRecord(ctx context.Context, line StatLine) error
	// CountRecords returns the number of stored stat lines.
	CountRecords(ctx context.Context) (int64, error)
	// SaveDeadLetter durably records an exhausted task.
	SaveDeadLetter(ctx context.Context, rec DeadLetterRecord) error
	// ListDeadLetters returns the most recent dead letters, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterRecord, error)
	Close()
}

// Subscription identifies a consumer within a group and the topic partitions
// it owns. Partition ownership is static: each consumer reads only the
// partitions assigned to it, which preserves per-partition ordering.
type Subscription struct {
	Topic      string
	Group      string
	Consumer   string
	Partitions []int
}

// Delivery is a single message handed to a consumer. Every delivery must be
// acknowledged once handled; unacknowledged deliveries are redelivered.
type Delivery struct {
	ID        string
	Partition int
	Key       string
	Value     []byte
}

// Broker provides partitioned, consumer-group message transport with
// at-least-once delivery.
type Broker interface {
	// Publish appends value to the topic partition selected by key.
	Publish(ctx context.Context, topic string, key string, value []byte) error
	// Consume blocks until a delivery is available on one of the
	// subscription's partitions or ctx is done.
	Consume(ctx context.Context, sub Subscription) (Delivery, error)
	// Ack marks a delivery as handled for the subscription's group.
	Ack(ctx context.Context, sub Subscription, d Delivery) error
	// PendingCount returns the number of published messages the group has
	// not yet acknowledged, summed across the topic's partitions.
	PendingCount(ctx context.Context, topic string, group string) (int64, error)
	// Partitions returns the partition count of the topic.
	Partitions(topic string) int
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Extractor turns a raw page payload into tabular rows.
type Extractor interface {
	Extract(payload []byte) ([]map[string]any, error)
}

// Indexer forwards normalized stat lines to a downstream search index.
type Indexer interface {
	Index(ctx context.Context, lines []StatLine) error
}

// Limiter throttles outbound fetches per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RetryPolicy decides retry eligibility and backoff between fetch attempts.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and timers (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces job and worker IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
