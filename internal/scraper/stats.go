package scraper

import "sync/atomic"

// Stats tracks pool-wide counters. Workers update the atomics directly;
// Snapshot serves the ops endpoint and the periodic log report.
type Stats struct {
	Processed    atomic.Int64
	Succeeded    atomic.Int64
	Skipped      atomic.Int64
	Failed       atomic.Int64
	Retried      atomic.Int64
	DeadLettered atomic.Int64
	Poisoned     atomic.Int64
}

// Snapshot is a point-in-time copy of the counters. SuccessRate is the
// percentage of processed tasks that succeeded; RetryRate is retries per
// hundred processed tasks.
type Snapshot struct {
	Processed    int64   `json:"processed"`
	Succeeded    int64   `json:"succeeded"`
	Skipped      int64   `json:"skipped"`
	Failed       int64   `json:"failed"`
	Retried      int64   `json:"retried"`
	DeadLettered int64   `json:"dead_lettered"`
	Poisoned     int64   `json:"poisoned"`
	SuccessRate  float64 `json:"success_rate"`
	RetryRate    float64 `json:"retry_rate"`
}

// Snapshot reads every counter once. Counters advance independently, so the
// copy may straddle an in-flight task; that is fine for reporting.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Processed:    s.Processed.Load(),
		Succeeded:    s.Succeeded.Load(),
		Skipped:      s.Skipped.Load(),
		Failed:       s.Failed.Load(),
		Retried:      s.Retried.Load(),
		DeadLettered: s.DeadLettered.Load(),
		Poisoned:     s.Poisoned.Load(),
	}
	snap.SuccessRate = per100(snap.Succeeded, snap.Processed)
	snap.RetryRate = per100(snap.Retried, snap.Processed)
	return snap
}

func per100(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
