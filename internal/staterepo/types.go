package staterepo

import "time"

// Status values a seen_files row can hold (spec §3).
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusFailed    = "failed"
	StatusIgnored   = "ignored"
)

// SourceState is the persisted per-source cursor (spec §3 SourceState).
type SourceState struct {
	SourceID   string
	SourceType string
	StateJSON  string
	UpdatedAt  time.Time
}

// NewSeenFile is the row shape passed to RecordFile/RecordFilesBatch.
type NewSeenFile struct {
	SourceID     string
	ExternalID   string
	RawHash      string
	FileSize     int64
	Filename     string
	MetadataJSON string
}

// SeenFile is a full seen_files row, as returned by GetPendingFiles.
type SeenFile struct {
	ID           int64
	SourceID     string
	ExternalID   string
	RawHash      string
	FileSize     int64
	Filename     string
	Status       string
	ErrorMsg     string
	MetadataJSON string
	FirstSeenTS  time.Time
}

// FileStatusUpdate is one row of a status-update batch (spec §4.C
// update_file_status_batch).
type FileStatusUpdate struct {
	RawHash  string
	Status   string
	ErrorMsg string
}

// NewRecord is the row shape passed to AddRecord/AddRecordsBatch.
type NewRecord struct {
	SourceFileHash string
	RecordType     string
	UniqueHash     string
	DataJSON       string
}

// BuildRecord is one deduplicated row returned by GetRecordsForBuild.
type BuildRecord struct {
	RecordType string
	DataJSON   string
}
