package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/riftlabs/proxyagg/internal/registry"
	"github.com/riftlabs/proxyagg/internal/router"
	"github.com/riftlabs/proxyagg/internal/staterepo"
)

const (
	defaultTransformWorkers  = 4
	defaultTransformBatch    = 200
	reasonRawDataMissing     = "Raw data missing"
	reasonFormatNotAllowed   = "Format %s not allowed"
	reasonNoHandlerForFormat = "No handler for %s"
)

// BlobGetter is the subset of the Raw Blob Store the Transform Pipeline
// needs.
type BlobGetter interface {
	Get(hash string) ([]byte, error)
}

// HandlerLookup is the subset of the Format Handler Registry the Transform
// Pipeline needs.
type HandlerLookup interface {
	Lookup(id string) (registry.Handler, bool)
}

// TransformStateWriter is the subset of the State Repository the
// Transform Pipeline reads and writes through.
type TransformStateWriter interface {
	GetPendingFiles(ctx context.Context) ([]staterepo.SeenFile, error)
	AddRecordsBatch(ctx context.Context, recs []staterepo.NewRecord) error
	UpdateFileStatusBatch(ctx context.Context, updates []staterepo.FileStatusUpdate) error
}

// IncludeFormats resolves a source's configured format allow-list (spec
// §6: selector.include_formats).
type IncludeFormats func(sourceID string) []string

// TransformPipeline scans pending seen-file rows, routes each to a
// handler, parses records, and persists records plus status updates in
// batches (spec §4.J).
type TransformPipeline struct {
	blobs     BlobGetter
	handlers  HandlerLookup
	state     TransformStateWriter
	includes  IncludeFormats
	workers   int
	batchSize int
	logger    *slog.Logger
}

// NewTransformPipeline constructs a TransformPipeline with the spec's
// default worker count (4) and batch size (200).
func NewTransformPipeline(blobs BlobGetter, handlers HandlerLookup, state TransformStateWriter, includes IncludeFormats, logger *slog.Logger) *TransformPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransformPipeline{
		blobs:     blobs,
		handlers:  handlers,
		state:     state,
		includes:  includes,
		workers:   defaultTransformWorkers,
		batchSize: defaultTransformBatch,
		logger:    logger,
	}
}

type fileOutcome struct {
	records     []staterepo.NewRecord
	status      staterepo.FileStatusUpdate
	format      string
	parseFailed bool
}

// Stats reports per-format counts for a completed Run, for metrics (spec
// §9 "Metrics": proxyagg_records_parsed_total, proxyagg_parse_failures_total).
type Stats struct {
	RecordsByFormat  map[string]int
	FailuresByFormat map[string]int
}

func newStats() Stats {
	return Stats{RecordsByFormat: map[string]int{}, FailuresByFormat: map[string]int{}}
}

// Run scans every pending seen-file row and transforms it (spec §4.J).
func (p *TransformPipeline) Run(ctx context.Context) (Stats, error) {
	stats := newStats()

	pending, err := p.state.GetPendingFiles(ctx)
	if err != nil {
		return stats, fmt.Errorf("get pending files: %w", err)
	}

	for start := 0; start < len(pending); start += p.batchSize {
		end := min(start+p.batchSize, len(pending))
		if err := p.runBatch(ctx, pending[start:end], stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func (p *TransformPipeline) runBatch(ctx context.Context, batch []staterepo.SeenFile, stats Stats) error {
	outcomes := make([]fileOutcome, len(batch))

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.workers)
	for i, file := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, file staterepo.SeenFile) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = p.transformOne(file)
		}(i, file)
	}
	wg.Wait()

	var records []staterepo.NewRecord
	var statusUpdates []staterepo.FileStatusUpdate
	for _, o := range outcomes {
		records = append(records, o.records...)
		statusUpdates = append(statusUpdates, o.status)
		if o.format == "" {
			continue
		}
		if o.parseFailed {
			stats.FailuresByFormat[o.format]++
		} else {
			stats.RecordsByFormat[o.format] += len(o.records)
		}
	}

	if err := p.state.AddRecordsBatch(ctx, records); err != nil {
		return fmt.Errorf("flush records batch: %w", err)
	}
	if err := p.state.UpdateFileStatusBatch(ctx, statusUpdates); err != nil {
		return fmt.Errorf("flush status batch: %w", err)
	}
	return nil
}

func (p *TransformPipeline) transformOne(file staterepo.SeenFile) fileOutcome {
	fail := func(reason string) fileOutcome {
		return fileOutcome{status: staterepo.FileStatusUpdate{RawHash: file.RawHash, Status: staterepo.StatusFailed, ErrorMsg: reason}}
	}
	ignore := func(reason string) fileOutcome {
		return fileOutcome{status: staterepo.FileStatusUpdate{RawHash: file.RawHash, Status: staterepo.StatusIgnored, ErrorMsg: reason}}
	}

	data, err := p.blobs.Get(file.RawHash)
	if err != nil {
		p.logger.Warn("raw data missing for pending file", "raw_hash", file.RawHash, "error", err)
		return fail(reasonRawDataMissing)
	}

	format := router.DecideFormat(file.Filename, data)

	if p.includes != nil {
		allowed := p.includes(file.SourceID)
		if !formatAllowed(allowed, format) {
			return ignore(fmt.Sprintf(reasonFormatNotAllowed, format))
		}
	}

	handler, ok := p.handlers.Lookup(format)
	if !ok {
		o := fail(fmt.Sprintf(reasonNoHandlerForFormat, format))
		o.format, o.parseFailed = format, true
		return o
	}

	parsed, err := handler.Parse(data, registry.ParseContext{Filename: file.Filename, SourceID: file.SourceID})
	if err != nil {
		p.logger.Warn("parse error", "raw_hash", file.RawHash, "format", format, "error", err)
		o := fail(err.Error())
		o.format, o.parseFailed = format, true
		return o
	}

	records := make([]staterepo.NewRecord, 0, len(parsed))
	for _, rec := range parsed {
		dataJSON, err := marshalRecordData(rec.Data)
		if err != nil {
			o := fail(fmt.Sprintf("marshal record data: %v", err))
			o.format, o.parseFailed = format, true
			return o
		}
		records = append(records, staterepo.NewRecord{
			SourceFileHash: file.RawHash,
			RecordType:     format,
			UniqueHash:     rec.UniqueHash,
			DataJSON:       dataJSON,
		})
	}

	return fileOutcome{
		records: records,
		status:  staterepo.FileStatusUpdate{RawHash: file.RawHash, Status: staterepo.StatusProcessed},
		format:  format,
	}
}

func formatAllowed(allowed []string, format string) bool {
	for _, a := range allowed {
		if a == "all" || a == format {
			return true
		}
	}
	return false
}
