// Package orchestrator drives the four-phase run the CLI triggers:
// Ingest, Transform, Build+Publish, and Export, followed by Cleanup (spec
// §4.M). It owns no storage of its own; every durable concern is a
// collaborator injected at construction, in the teacher's dependency-
// injection style (DESIGN.md Note 9).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riftlabs/proxyagg/internal/blobstore"
	"github.com/riftlabs/proxyagg/internal/config"
	"github.com/riftlabs/proxyagg/internal/connector"
	"github.com/riftlabs/proxyagg/internal/metrics"
	"github.com/riftlabs/proxyagg/internal/pipeline"
	"github.com/riftlabs/proxyagg/internal/registry"
	"github.com/riftlabs/proxyagg/internal/staterepo"
)

// Repo is the subset of the State Repository the Orchestrator itself
// calls directly (beyond what it hands down into the pipelines).
type Repo interface {
	pipeline.StateWriter
	pipeline.TransformStateWriter
	pipeline.BuildStateReader
	pipeline.PublishStateWriter
	MaxSeenFileID(ctx context.Context) (int64, error)
	ProcessedHashes(ctx context.Context) ([]string, error)
	BeginTx(ctx context.Context) (*staterepo.Tx, error)
}

// ConnectorFactory builds the SourceConnector for one configured source.
// Concrete transports (Telegram bot-API polling, MTProto user sessions)
// live outside the core (spec §4.H); the Orchestrator only knows how to
// ask for one.
type ConnectorFactory func(ctx context.Context, src config.SourceConfig) (connector.SourceConnector, error)

// ArtifactStore narrows the Artifact Store to what the Build Pipeline and
// the export/cleanup phases need, so this package doesn't need to import
// artifactstore's concrete type.
type ArtifactStore interface {
	pipeline.ArtifactSaver
	PruneArchive(retentionDays int) error
}

// ProgressCallback reports phase-level progress, in the teacher's
// (current, total, phase) shape (cmd/cie/index.go's pipeline.SetProgressCallback),
// adapted here to one call per completed phase rather than per-item.
type ProgressCallback func(current, total int64, phase string)

// Orchestrator is the phase driver (spec §4.M).
type Orchestrator struct {
	Repo       Repo
	Blobs      *blobstore.Store
	Artifacts  ArtifactStore
	Handlers   *registry.Registry
	Connectors ConnectorFactory
	Publisher  pipeline.Publisher
	Tokens     pipeline.TokenFallback
	Metrics    *metrics.Registry
	Logger     *slog.Logger

	MaxWorkers    int
	OutputsDir    string
	OutputsDevDir string

	onProgress ProgressCallback
}

// totalPhases is the fixed phase count SetProgressCallback reports against:
// ingest, transform, build+publish, export, cleanup (spec §4.M).
const totalPhases = 5

// SetProgressCallback installs cb, called once per completed phase with a
// 1-based phase index out of totalPhases.
func (o *Orchestrator) SetProgressCallback(cb ProgressCallback) {
	o.onProgress = cb
}

func (o *Orchestrator) reportPhase(index int64, phase string) {
	if o.onProgress != nil {
		o.onProgress(index, totalPhases, phase)
	}
}

// New constructs an Orchestrator with MaxWorkers 4, OutputsDir "outputs",
// and OutputsDevDir "outputs_dev"; callers may overwrite those fields
// before Run.
func New(repo Repo, blobs *blobstore.Store, artifacts ArtifactStore, handlers *registry.Registry,
	connectors ConnectorFactory, publisher pipeline.Publisher, tokens pipeline.TokenFallback,
	metricsReg *metrics.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Repo: repo, Blobs: blobs, Artifacts: artifacts, Handlers: handlers,
		Connectors: connectors, Publisher: publisher, Tokens: tokens, Metrics: metricsReg, Logger: logger,
		MaxWorkers: 4, OutputsDir: "outputs", OutputsDevDir: "outputs_dev",
	}
}

// RunOptions configures one orchestrator run (spec §6 CLI flags).
type RunOptions struct {
	Deadline  time.Time // zero means no deadline
	NoDeliver bool      // skip Phase 3's publish step entirely
}

// Run executes all four phases and returns a per-phase summary. Per spec
// §7, a partial failure inside any one source or route never aborts the
// run; only a hard structural error (e.g. State Repository unavailable)
// returns a non-nil error.
func (o *Orchestrator) Run(ctx context.Context, cfg *config.Config, opts RunOptions) (*Summary, error) {
	runStart := time.Now()
	summary := &Summary{}

	cutoff, err := o.Repo.MaxSeenFileID(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture seen_file_cutoff_id: %w", err)
	}
	summary.SeenFileCutoffID = cutoff
	o.Logger.Info("orchestrator.run.start", "sources", len(cfg.Sources), "routes", len(cfg.Publishing.Routes), "seen_file_cutoff_id", cutoff)

	phaseStart := time.Now()
	o.runIngestPhase(ctx, cfg, opts.Deadline, summary)
	summary.IngestDuration = time.Since(phaseStart)
	o.observePhase("ingest", summary.IngestDuration)
	o.reportPhase(1, "ingest")

	phaseStart = time.Now()
	if !opts.Deadline.IsZero() && time.Now().After(opts.Deadline) {
		summary.TransformSkipped = true
		o.Logger.Warn("orchestrator.phase.transform.skipped_deadline_exceeded")
	} else {
		o.runTransformPhase(ctx, cfg, summary)
	}
	summary.TransformDuration = time.Since(phaseStart)
	o.observePhase("transform", summary.TransformDuration)
	o.reportPhase(2, "transform")

	phaseStart = time.Now()
	o.runBuildPublishPhase(ctx, cfg, cutoff, opts, summary)
	summary.BuildPublishDuration = time.Since(phaseStart)
	o.observePhase("build_publish", summary.BuildPublishDuration)
	o.reportPhase(3, "build_publish")

	phaseStart = time.Now()
	if err := o.runExportPhase(ctx, cfg); err != nil {
		o.Logger.Warn("orchestrator.phase.export.failed", "error", err)
	}
	summary.ExportDuration = time.Since(phaseStart)
	o.observePhase("export", summary.ExportDuration)
	o.reportPhase(4, "export")

	phaseStart = time.Now()
	o.runCleanupPhase(ctx, summary)
	summary.CleanupDuration = time.Since(phaseStart)
	o.observePhase("cleanup", summary.CleanupDuration)
	o.reportPhase(5, "cleanup")

	summary.TotalDuration = time.Since(runStart)
	o.Logger.Info("orchestrator.run.complete",
		"total_seconds", summary.TotalDuration.Seconds(),
		"sources_ingested", len(summary.Sources),
		"routes_built", len(summary.Routes),
		"errored", summary.Errored(),
	)
	return summary, nil
}

func (o *Orchestrator) observePhase(phase string, d time.Duration) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// runIngestPhase drains a bounded worker pool of min(MaxWorkers, #sources)
// against a shared source queue, deduplicating telegram_user-style
// sources by resolved channel id under a mutex (spec §4.M).
func (o *Orchestrator) runIngestPhase(ctx context.Context, cfg *config.Config, deadline time.Time, summary *Summary) {
	workers := o.MaxWorkers
	if workers > len(cfg.Sources) {
		workers = len(cfg.Sources)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan config.SourceConfig)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seenChannels := make(map[string]bool)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				result := o.ingestSource(ctx, src, deadline, &mu, seenChannels)
				mu.Lock()
				summary.Sources = append(summary.Sources, result)
				mu.Unlock()
			}
		}()
	}

	for _, src := range cfg.Sources {
		jobs <- src
	}
	close(jobs)
	wg.Wait()
}

func (o *Orchestrator) recordIngestStats(sourceID string, stats pipeline.LastRunStats) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.FilesIngested.WithLabelValues(sourceID).Add(float64(stats.FilesIngested))
	o.Metrics.BytesIngested.WithLabelValues(sourceID).Add(float64(stats.BytesIngested))
}

func (o *Orchestrator) ingestSource(ctx context.Context, src config.SourceConfig, deadline time.Time, mu *sync.Mutex, seenChannels map[string]bool) SourceResult {
	conn, err := o.Connectors(ctx, src)
	if err != nil {
		o.Logger.Warn("orchestrator.ingest.connector_unavailable", "source_id", src.ID, "error", err)
		return SourceResult{SourceID: src.ID, Err: err}
	}

	if resolver, ok := conn.(connector.ChannelResolver); ok {
		channelID, hasID, err := resolver.ResolveChannelID(ctx)
		if err == nil && hasID {
			mu.Lock()
			if seenChannels[channelID] {
				mu.Unlock()
				o.Logger.Warn("orchestrator.ingest.duplicate_source_skipped", "source_id", src.ID, "channel_id", channelID)
				return SourceResult{SourceID: src.ID, Skipped: true}
			}
			seenChannels[channelID] = true
			mu.Unlock()
		}
	}

	// Run the blob-save/seen-file-insert/state-update sequence inside a
	// single externally-managed transaction (spec §4.I step 1), so a
	// mid-source failure never leaves a partially-recorded batch behind.
	tx, err := o.Repo.BeginTx(ctx)
	if err != nil {
		o.Logger.Warn("orchestrator.ingest.begin_tx_failed", "source_id", src.ID, "error", err)
		return SourceResult{SourceID: src.ID, Err: err}
	}
	defer tx.Rollback()

	ingest := pipeline.NewIngestionPipeline(o.Blobs, tx, o.Logger)
	stats, err := ingest.Run(ctx, src.ID, src.Type, conn, deadline)
	o.recordIngestStats(src.ID, stats)
	if err != nil {
		o.Logger.Warn("orchestrator.ingest.source_failed", "source_id", src.ID, "error", err)
		return SourceResult{SourceID: src.ID, Err: err}
	}
	if err := tx.Commit(); err != nil {
		o.Logger.Warn("orchestrator.ingest.commit_failed", "source_id", src.ID, "error", err)
		return SourceResult{SourceID: src.ID, Err: err}
	}
	return SourceResult{SourceID: src.ID}
}

func (o *Orchestrator) runTransformPhase(ctx context.Context, cfg *config.Config, summary *Summary) {
	includes := includeFormatsFor(cfg)
	transform := pipeline.NewTransformPipeline(o.Blobs, o.Handlers, o.Repo, includes, o.Logger)
	stats, err := transform.Run(ctx)
	o.recordTransformStats(stats)
	if err != nil {
		o.Logger.Warn("orchestrator.phase.transform.failed", "error", err)
		summary.TransformErr = err
	}
}

// includeFormatsFor closes over cfg so the Transform Pipeline can resolve
// each source's selector.include_formats without importing the config
// package itself (spec §6).
func includeFormatsFor(cfg *config.Config) pipeline.IncludeFormats {
	bySource := make(map[string][]string, len(cfg.Sources))
	for _, s := range cfg.Sources {
		bySource[s.ID] = s.Selector.IncludeFormats
	}
	return func(sourceID string) []string { return bySource[sourceID] }
}

func (o *Orchestrator) runBuildPublishPhase(ctx context.Context, cfg *config.Config, cutoff int64, opts RunOptions, summary *Summary) {
	build := pipeline.NewBuildPipeline(o.Repo, o.Handlers, o.Artifacts, o.Logger)

	for _, route := range cfg.Publishing.Routes {
		routeCfg := pipeline.RouteConfig{
			Name:          route.Name,
			Formats:       route.Formats,
			FromSources:   route.FromSources,
			MinSeenFileID: cutoff,
		}

		results, err := build.Run(ctx, routeCfg)
		if err != nil {
			o.Logger.Warn("orchestrator.build.route_failed", "route", route.Name, "error", err)
			summary.Routes = append(summary.Routes, RouteResult{RouteName: route.Name, Err: err})
			continue
		}

		o.recordBuiltArtifacts(route.Name, results)

		result := RouteResult{RouteName: route.Name, Built: len(results)}
		if !opts.NoDeliver && len(route.Destinations) > 0 {
			result.Published = o.publishRoute(ctx, route, results, opts.Deadline)
		}
		summary.Routes = append(summary.Routes, result)
	}
}

func (o *Orchestrator) recordBuiltArtifacts(routeName string, results []pipeline.BuildResult) {
	if o.Metrics == nil {
		return
	}
	for _, r := range results {
		o.Metrics.ArtifactsBuilt.WithLabelValues(routeName, r.Format).Inc()
	}
}

func (o *Orchestrator) recordTransformStats(stats pipeline.Stats) {
	if o.Metrics == nil {
		return
	}
	for format, n := range stats.RecordsByFormat {
		o.Metrics.RecordsParsed.WithLabelValues(format).Add(float64(n))
	}
	for format, n := range stats.FailuresByFormat {
		o.Metrics.ParseFailures.WithLabelValues(format).Add(float64(n))
	}
}

// publishRoute submits every build result to the shared publish pool and
// awaits completion within the remaining run deadline (spec §4.M "3.
// Build + Publish": "Remaining time after build is a deadline for the
// collective publish wait").
func (o *Orchestrator) publishRoute(ctx context.Context, route config.Route, results []pipeline.BuildResult, deadline time.Time) int {
	destinations := make([]pipeline.Destination, len(route.Destinations))
	for i, d := range route.Destinations {
		destinations[i] = pipeline.Destination{ChatID: d.ChatID, Mode: d.Mode, CaptionTemplate: d.CaptionTemplate, Token: d.Token}
	}

	publish := pipeline.NewPublishPipeline(o.Repo, o.Publisher, o.Tokens, o.Logger)

	var wg sync.WaitGroup
	sem := make(chan struct{}, o.MaxWorkers)
	var published atomic.Int32
	for _, result := range results {
		wg.Add(1)
		sem <- struct{}{}
		go func(result pipeline.BuildResult) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := publish.Run(ctx, result, destinations); err != nil {
				o.Logger.Warn("orchestrator.publish.failed", "route", route.Name, "format", result.Format, "error", err)
				o.countPublish(route.Name, result.Format, "failure")
				return
			}
			published.Add(1)
			o.countPublish(route.Name, result.Format, "success")
		}(result)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	if deadline.IsZero() {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(time.Until(deadline)):
			o.Logger.Warn("orchestrator.publish.deadline_exceeded", "route", route.Name)
		}
	}
	return int(published.Load())
}

func (o *Orchestrator) countPublish(route, format, outcome string) {
	if o.Metrics == nil {
		return
	}
	o.Metrics.PublishAttempts.WithLabelValues(route, format, outcome).Inc()
}

// pruneRepoAdapter bridges the Orchestrator's context-carrying Repo to
// blobstore.PruneRepo's context-free signature (blobstore has no notion of
// a request context; pruning is a fire-and-forget background concern).
type pruneRepoAdapter struct {
	ctx  context.Context
	repo Repo
}

func (a pruneRepoAdapter) ProcessedHashes() ([]string, error) {
	return a.repo.ProcessedHashes(a.ctx)
}

func (o *Orchestrator) runCleanupPhase(ctx context.Context, summary *Summary) {
	removed, err := o.Blobs.PruneProcessed(pruneRepoAdapter{ctx: ctx, repo: o.Repo})
	if err != nil {
		o.Logger.Warn("orchestrator.phase.cleanup.prune_blobs_failed", "error", err)
	}
	summary.BlobsPruned = removed

	if err := o.Artifacts.PruneArchive(0); err != nil {
		o.Logger.Warn("orchestrator.phase.cleanup.prune_archive_failed", "error", err)
	}
}
