package intel

import "sync/atomic"

// Stats tracks pipeline counters shared between workers and the API.
type Stats struct {
	Submitted      atomic.Int64
	Duplicates     atomic.Int64
	Archived       atomic.Int64
	Discarded      atomic.Int64
	Failed         atomic.Int64
	Retries        atomic.Int64
	Analyses       atomic.Int64
	AnalysisErrors atomic.Int64
}

// StatsSnapshot is the JSON shape served by the stats endpoint.
type StatsSnapshot struct {
	Submitted      int64 `json:"submitted"`
	Duplicates     int64 `json:"duplicates"`
	Archived       int64 `json:"archived"`
	Discarded      int64 `json:"discarded"`
	Failed         int64 `json:"failed"`
	Retries        int64 `json:"retries"`
	Analyses       int64 `json:"analyses"`
	AnalysisErrors int64 `json:"analysis_errors"`
}

// Snapshot captures current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Submitted:      s.Submitted.Load(),
		Duplicates:     s.Duplicates.Load(),
		Archived:       s.Archived.Load(),
		Discarded:      s.Discarded.Load(),
		Failed:         s.Failed.Load(),
		Retries:        s.Retries.Load(),
		Analyses:       s.Analyses.Load(),
		AnalysisErrors: s.AnalysisErrors.Load(),
	}
}
