// Package pipeline defines core types shared across the scraping pipeline.
package pipeline

import (
	"net/http"
	"time"
)

// FetchStatus represents the terminal outcome of a scraping task.
type FetchStatus string

// Fetch status values carried on the results topic.
const (
	FetchSucceeded FetchStatus = "success"
	FetchFailed    FetchStatus = "failed"
	FetchSkipped   FetchStatus = "skipped"
	FetchInvalid   FetchStatus = "invalid"
)

// Skip reasons carried on skipped results.
const (
	ReasonAlreadyScraped = "already_scraped"
	ReasonScrapingFailed = "scraping_failed"
)

// Retry controls for the scraping state machine. MaxFetchAttempts counts
// total attempts, not retries after the first.
const (
	MaxFetchAttempts = 3
	BaseRetryDelay   = 5 * time.Second
	MaxRetryDelay    = 300 * time.Second
)

// Task is a unit of scraping work published on the tasks topic.
type Task struct {
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Priority int            `json:"priority"`
}

// Result is published on the results topic once a task reaches a terminal
// state. Successful results carry a summary of the stored page, not the
// payload; the page body lives in the store keyed by URL.
type Result struct {
	URL      string         `json:"url"`
	Status   FetchStatus    `json:"status"`
	Data     *ResultData    `json:"data,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	WorkerID string         `json:"worker_id"`
	Priority int            `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ResultData summarizes the stored page a success result refers to.
type ResultData struct {
	DocID        string `json:"doc_id,omitempty"`
	Bytes        int64  `json:"bytes,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	UsedHeadless bool   `json:"used_headless,omitempty"`
}

// PageDocument is persisted for each successfully fetched page.
type PageDocument struct {
	URL          string         `json:"url"`
	Body         []byte         `json:"body"`
	ContentType  string         `json:"content_type,omitempty"`
	StatusCode   int            `json:"status_code"`
	UsedHeadless bool           `json:"used_headless"`
	Status       string         `json:"status"`
	ContentHash  string         `json:"content_hash,omitempty"`
	FetchedAt    time.Time      `json:"fetched_at"`
	DurationMs   int64          `json:"duration_ms"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DeadLetterRecord is persisted when a task exhausts its fetch attempts.
type DeadLetterRecord struct {
	URL        string         `json:"url"`
	Error      string         `json:"error"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	WorkerID   string         `json:"worker_id"`
	FailedAt   time.Time      `json:"failed_at"`
	RetryCount int            `json:"retry_count"`
}

// DeadLetterNotice is the advisory message published on the dead-letter
// topic. Publication is best effort; the durable record is the
// DeadLetterRecord saved to the store.
type DeadLetterNotice struct {
	URL       string    `json:"url"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordKey identifies a normalized stat line. Upserts collapse on this key.
type RecordKey struct {
	PlayerName string `json:"player_name"`
	SeasonType string `json:"season_type"`
}

// StatLine is a normalized per-player stat record ready for storage and
// indexing. Stats values are typed: int64 for counts, float64 for rates,
// nil for missing marks.
type StatLine struct {
	PlayerName string             `json:"player_name"`
	SeasonType string             `json:"season_type"`
	Stats      map[string]any     `json:"stats"`
	PerGame    map[string]float64 `json:"per_game,omitempty"`
	RawStats   map[string]string  `json:"stats_raw,omitempty"`
	SourceURL  string             `json:"source_url,omitempty"`
	ScrapedAt  time.Time          `json:"scraped_at"`
}

// Key returns the upsert identity of the line.
func (l StatLine) Key() RecordKey {
	return RecordKey{PlayerName: l.PlayerName, SeasonType: l.SeasonType}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL         string
	UseHeadless bool
	Headers     http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
