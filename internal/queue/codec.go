// Package queue defines the wire schemas carried by the pipeline's brokers
// and validates them at the queue boundary. Malformed messages are rejected
// on publish and on consume, so workers never process half-formed tasks.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/courtdata/statpipe/internal/pipeline"
)

// ErrInvalidMessage marks messages that fail schema validation. Consumers
// treat such deliveries as poison: acknowledge and drop.
var ErrInvalidMessage = errors.New("queue: invalid message")

// decodeStrict unmarshals a single message, rejecting unknown fields and
// trailing data instead of silently defaulting.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after message", ErrInvalidMessage)
	}
	return nil
}

// EncodeTask validates and marshals a task for the tasks topic.
func EncodeTask(t pipeline.Task) ([]byte, error) {
	if err := ValidateTask(t); err != nil {
		return nil, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}

// DecodeTask parses and validates a task message.
func DecodeTask(data []byte) (pipeline.Task, error) {
	var t pipeline.Task
	if err := decodeStrict(data, &t); err != nil {
		return pipeline.Task{}, err
	}
	if err := ValidateTask(t); err != nil {
		return pipeline.Task{}, err
	}
	return t, nil
}

// ValidateTask checks the task schema: a task must carry an absolute URL.
func ValidateTask(t pipeline.Task) error {
	trimmed := strings.TrimSpace(t.URL)
	if trimmed == "" {
		return fmt.Errorf("%w: task missing url", ErrInvalidMessage)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: task url %q: %v", ErrInvalidMessage, t.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: task url %q is not absolute", ErrInvalidMessage, t.URL)
	}
	return nil
}

// EncodeResult validates and marshals a result for the results topic.
func EncodeResult(r pipeline.Result) ([]byte, error) {
	if err := ValidateResult(r); err != nil {
		return nil, err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// DecodeResult parses and validates a result message.
func DecodeResult(data []byte) (pipeline.Result, error) {
	var r pipeline.Result
	if err := decodeStrict(data, &r); err != nil {
		return pipeline.Result{}, err
	}
	if err := ValidateResult(r); err != nil {
		return pipeline.Result{}, err
	}
	return r, nil
}

// ValidateResult checks the result schema: URL, a known status, and the
// identity of the worker that produced it.
func ValidateResult(r pipeline.Result) error {
	if strings.TrimSpace(r.URL) == "" {
		return fmt.Errorf("%w: result missing url", ErrInvalidMessage)
	}
	switch r.Status {
	case pipeline.FetchSucceeded, pipeline.FetchFailed, pipeline.FetchSkipped, pipeline.FetchInvalid:
	default:
		return fmt.Errorf("%w: result status %q unknown", ErrInvalidMessage, r.Status)
	}
	if strings.TrimSpace(r.WorkerID) == "" {
		return fmt.Errorf("%w: result missing worker_id", ErrInvalidMessage)
	}
	return nil
}

// EncodeNotice marshals a dead-letter advisory notice.
func EncodeNotice(n pipeline.DeadLetterNotice) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode dead-letter notice: %w", err)
	}
	return data, nil
}

// DecodeNotice parses a dead-letter advisory notice.
func DecodeNotice(data []byte) (pipeline.DeadLetterNotice, error) {
	var n pipeline.DeadLetterNotice
	if err := decodeStrict(data, &n); err != nil {
		return pipeline.DeadLetterNotice{}, err
	}
	return n, nil
}
