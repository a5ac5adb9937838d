package orchestrator

import "time"

// SourceResult reports one source's ingestion outcome within a run.
type SourceResult struct {
	SourceID string
	Skipped  bool // duplicate-channel dedup skip (spec §4.M)
	Err      error
}

// RouteResult reports one route's build+publish outcome within a run.
type RouteResult struct {
	RouteName string
	Built     int
	Published int
	Err       error
}

// Summary reports per-phase timing and counts for one orchestrator run
// (spec §4.M "Reporting").
type Summary struct {
	SeenFileCutoffID int64

	IngestDuration       time.Duration
	TransformDuration    time.Duration
	BuildPublishDuration time.Duration
	ExportDuration       time.Duration
	CleanupDuration      time.Duration
	TotalDuration        time.Duration

	Sources []SourceResult
	Routes  []RouteResult

	TransformErr error

	BlobsPruned      int
	TransformSkipped bool // phase 2 skipped wholesale due to deadline
}

// Errored reports whether anything in the run failed outright (as opposed
// to a partial/benign outcome such as a dedup skip). Per spec §7, partial
// success is still a successful run; this is informational only.
func (s *Summary) Errored() bool {
	if s.TransformErr != nil {
		return true
	}
	for _, r := range s.Sources {
		if r.Err != nil {
			return true
		}
	}
	for _, r := range s.Routes {
		if r.Err != nil {
			return true
		}
	}
	return false
}
