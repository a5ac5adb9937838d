// Package pipeline implements the Ingestion, Transform, Build, and Publish
// pipelines (spec §4.I–L): the per-run stages the Orchestrator drives.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/riftlabs/proxyagg/internal/connector"
	"github.com/riftlabs/proxyagg/internal/staterepo"
)

const defaultIngestBufferSize = 100

// BlobSaver is the subset of the Raw Blob Store the Ingestion Pipeline
// needs.
type BlobSaver interface {
	Save(data []byte) (string, error)
}

// StateWriter is the subset of the State Repository the Ingestion Pipeline
// writes through — satisfied by both *staterepo.Repo and *staterepo.Tx so
// callers can run it inside an externally-managed transaction (spec §4.I
// step 1).
type StateWriter interface {
	GetSourceState(ctx context.Context, sourceID string) (staterepo.SourceState, bool, error)
	UpdateSourceState(ctx context.Context, sourceID, sourceType, stateJSON string) error
	GetSeenFilesBatch(ctx context.Context, sourceID string, externalIDs []string) (map[string]bool, error)
	RecordFilesBatch(ctx context.Context, rows []staterepo.NewSeenFile) error
}

// LastRunStats is the per-run detail nested under the persisted source
// state's last_run field (spec §4.I step 3).
type LastRunStats struct {
	Timestamp       int64   `json:"timestamp"`
	FilesIngested   int     `json:"files_ingested"`
	BytesIngested   int64   `json:"bytes_ingested"`
	DurationSeconds float64 `json:"duration_seconds"`
	SkippedFiles    int     `json:"skipped_files"`
	TextItems       int     `json:"text_items"`
	MediaItems      int     `json:"media_items"`
}

// persistedState is the envelope stored in source_state.state_json: the
// connector's own opaque cursor alongside cumulative ingestion stats (spec
// §4.I step 3: "merge stats = {total_files += count, last_run = {...}}").
type persistedState struct {
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	TotalFiles int             `json:"total_files"`
	LastRun    LastRunStats    `json:"last_run"`
}

func decodePersistedState(raw string) persistedState {
	if raw == "" {
		return persistedState{}
	}
	var p persistedState
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		// Not parseable as one of our envelopes; treat the whole blob as an
		// opaque connector cursor.
		return persistedState{Cursor: json.RawMessage(raw)}
	}
	return p
}

// IngestionPipeline drains one source's connector, deduplicates by
// (source_id, external_id), and persists raw bytes plus seen-file rows in
// batches (spec §4.I).
type IngestionPipeline struct {
	blobs  BlobSaver
	state  StateWriter
	logger *slog.Logger
}

// NewIngestionPipeline constructs an IngestionPipeline over the given Raw
// Blob Store and State Repository handle (a *staterepo.Repo or a
// *staterepo.Tx).
func NewIngestionPipeline(blobs BlobSaver, state StateWriter, logger *slog.Logger) *IngestionPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestionPipeline{blobs: blobs, state: state, logger: logger}
}

// Run drains conn for sourceID, honoring an optional deadline, and persists
// everything it reads (spec §4.I). It returns the run's ingestion stats so
// callers can fold them into per-source metrics even when Run also returns
// an error (partial progress is still flushed before any error return).
func (p *IngestionPipeline) Run(ctx context.Context, sourceID, sourceType string, conn connector.SourceConnector, deadline time.Time) (LastRunStats, error) {
	start := time.Now()

	prior, _, err := p.state.GetSourceState(ctx, sourceID)
	if err != nil {
		return LastRunStats{}, fmt.Errorf("load prior state for %s: %w", sourceID, err)
	}
	priorState := decodePersistedState(prior.StateJSON)

	buffer := make([]connector.Item, 0, defaultIngestBufferSize)
	stats := LastRunStats{Timestamp: start.Unix()}

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		externalIDs := make([]string, len(buffer))
		for i, item := range buffer {
			externalIDs[i] = item.ExternalID
		}
		seen, err := p.state.GetSeenFilesBatch(ctx, sourceID, externalIDs)
		if err != nil {
			return fmt.Errorf("get seen files batch: %w", err)
		}

		rows := make([]staterepo.NewSeenFile, 0, len(buffer))
		for _, item := range buffer {
			if seen[item.ExternalID] {
				stats.SkippedFiles++
				continue
			}
			hash, err := p.blobs.Save(item.Data)
			if err != nil {
				return fmt.Errorf("save blob for %s/%s: %w", sourceID, item.ExternalID, err)
			}
			rows = append(rows, staterepo.NewSeenFile{
				SourceID:   sourceID,
				ExternalID: item.ExternalID,
				RawHash:    hash,
				FileSize:   int64(len(item.Data)),
				Filename:   item.Metadata.Filename,
			})
			stats.FilesIngested++
			stats.BytesIngested += int64(len(item.Data))
			if item.Metadata.IsText {
				stats.TextItems++
			} else {
				stats.MediaItems++
			}
		}

		if err := p.state.RecordFilesBatch(ctx, rows); err != nil {
			return fmt.Errorf("record files batch: %w", err)
		}
		buffer = buffer[:0]
		return nil
	}

	var iterErr error
	yield := func(item connector.Item) bool {
		if !deadline.IsZero() && time.Now().After(deadline) {
			p.logger.Warn("ingestion deadline reached, stopping early", "source_id", sourceID)
			return false
		}
		buffer = append(buffer, item)
		if len(buffer) >= defaultIngestBufferSize {
			if err := flush(); err != nil {
				iterErr = err
				return false
			}
		}
		return true
	}

	cursorJSON := "null"
	if len(priorState.Cursor) > 0 {
		cursorJSON = string(priorState.Cursor)
	}
	connErr := conn.ListNew(ctx, cursorJSON, yield)

	// Flush whatever is buffered even if the connector errored or the
	// deadline was hit mid-iteration (spec §4.I step 4).
	if flushErr := flush(); flushErr != nil && iterErr == nil {
		iterErr = flushErr
	}
	if connErr != nil {
		return stats, fmt.Errorf("connector iteration for %s: %w", sourceID, connErr)
	}
	if iterErr != nil {
		return stats, iterErr
	}

	newCursor, err := conn.GetState()
	if err != nil {
		return stats, fmt.Errorf("get connector state for %s: %w", sourceID, err)
	}
	if newCursor == "" {
		newCursor = "null"
	}
	stats.DurationSeconds = time.Since(start).Seconds()

	next := persistedState{
		Cursor:     json.RawMessage(newCursor),
		TotalFiles: priorState.TotalFiles + stats.FilesIngested,
		LastRun:    stats,
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return stats, fmt.Errorf("marshal persisted state for %s: %w", sourceID, err)
	}

	return stats, p.state.UpdateSourceState(ctx, sourceID, sourceType, string(nextJSON))
}
