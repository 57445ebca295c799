package processor

import "sync/atomic"

// Stats tracks pool-wide counters. Workers update the atomics directly;
// Snapshot serves the ops endpoint and the periodic log report.
type Stats struct {
	Processed       atomic.Int64
	Succeeded       atomic.Int64
	Skipped         atomic.Int64
	Failed          atomic.Int64
	Poisoned        atomic.Int64
	RecordsUpserted atomic.Int64
	RecordsSkipped  atomic.Int64
	IndexFailures   atomic.Int64
}

// Snapshot is a point-in-time copy of the counters. SuccessRate is the
// percentage of processed results handled without a page-level failure.
type Snapshot struct {
	Processed       int64   `json:"processed"`
	Succeeded       int64   `json:"succeeded"`
	Skipped         int64   `json:"skipped"`
	Failed          int64   `json:"failed"`
	Poisoned        int64   `json:"poisoned"`
	RecordsUpserted int64   `json:"records_upserted"`
	RecordsSkipped  int64   `json:"records_skipped"`
	IndexFailures   int64   `json:"index_failures"`
	SuccessRate     float64 `json:"success_rate"`
}

// Snapshot reads every counter once. Counters advance independently, so the
// copy may straddle an in-flight result; that is fine for reporting.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Processed:       s.Processed.Load(),
		Succeeded:       s.Succeeded.Load(),
		Skipped:         s.Skipped.Load(),
		Failed:          s.Failed.Load(),
		Poisoned:        s.Poisoned.Load(),
		RecordsUpserted: s.RecordsUpserted.Load(),
		RecordsSkipped:  s.RecordsSkipped.Load(),
		IndexFailures:   s.IndexFailures.Load(),
	}
	if snap.Processed > 0 {
		snap.SuccessRate = float64(snap.Succeeded) / float64(snap.Processed) * 100
	}
	return snap
}
