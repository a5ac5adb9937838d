package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/riftlabs/proxyagg/internal/appstatus"
	"github.com/riftlabs/proxyagg/internal/artifactstore"
	"github.com/riftlabs/proxyagg/internal/blobstore"
	"github.com/riftlabs/proxyagg/internal/config"
	"github.com/riftlabs/proxyagg/internal/connector"
	"github.com/riftlabs/proxyagg/internal/formats"
	"github.com/riftlabs/proxyagg/internal/lock"
	"github.com/riftlabs/proxyagg/internal/metrics"
	"github.com/riftlabs/proxyagg/internal/orchestrator"
	"github.com/riftlabs/proxyagg/internal/publisher"
	"github.com/riftlabs/proxyagg/internal/registry"
	"github.com/riftlabs/proxyagg/internal/staterepo"
)

// runCommand parses "run"'s own flags and drives one orchestrator pass.
// Exit code 0 on success, including partial route failures; non-zero only
// on configuration or lock-acquisition failure (spec §6).
func runCommand(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		configPath      = fs.StringP("config", "c", "project_config.yaml", "path to the route/source config YAML")
		dataDirFlag     = fs.String("data-dir", "", "data directory (default ~/.proxyagg/data)")
		dbPathFlag      = fs.String("db-path", "", "state database path (default <data-dir>/state/state.db)")
		msgFreshHours   = fs.Float64("msg-fresh-hours", 2, "lookback window (hours) for text messages on a fresh source")
		fileFreshHours  = fs.Float64("file-fresh-hours", 48, "lookback window (hours) for documents on a fresh source")
		msgSubHours     = fs.Float64("msg-subsequent-hours", 0, "rolling re-check window (hours) for text messages")
		fileSubHours    = fs.Float64("file-subsequent-hours", 0, "rolling re-check window (hours) for documents")
		noDeliver       = fs.Bool("no-deliver", false, "build artifacts but skip the publish phase")
		timeoutDuration = fs.Duration("timeout", 0, "soft deadline for the whole run, e.g. 45m (0 = no deadline)")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(globals)

	dataPath, err := dataDir(*dataDirFlag)
	if err != nil {
		return reportFatal(globals, appstatus.NewInternalError(
			"Cannot resolve data directory", err.Error(), "set --data-dir or PROXYAGG_DATA_DIR", err))
	}
	if err := os.MkdirAll(dataPath, 0o750); err != nil {
		return reportFatal(globals, appstatus.NewInternalError(
			"Cannot create data directory", err.Error(), "check permissions on the data directory", err))
	}

	dataLock, ok, err := lock.Acquire(dataPath)
	if err != nil {
		return reportFatal(globals, appstatus.NewLockError(
			"Cannot acquire data directory lock", err.Error(), "check the data directory is writable", err))
	}
	if !ok {
		return reportFatal(globals, appstatus.NewLockError(
			"Data directory already locked", "another proxyagg run is in progress against this data directory",
			"wait for the other run to finish, or point --data-dir elsewhere", nil))
	}
	defer dataLock.Release()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return reportFatal(globals, err)
	}

	dbFile, err := dbPath(*dbPathFlag, dataPath)
	if err != nil {
		return reportFatal(globals, appstatus.NewInternalError("Cannot resolve database path", err.Error(), "check --db-path", err))
	}
	if err := os.MkdirAll(filepath.Dir(dbFile), 0o750); err != nil {
		return reportFatal(globals, appstatus.NewInternalError("Cannot create state directory", err.Error(), "check permissions", err))
	}

	repo, err := staterepo.Open(dbFile, logger)
	if err != nil {
		return reportFatal(globals, appstatus.NewInternalError("Cannot open state database", err.Error(), "check --db-path and disk space", err))
	}
	defer repo.Close()

	blobs, err := blobstore.New(filepath.Join(dataPath, "raw"), logger)
	if err != nil {
		return reportFatal(globals, appstatus.NewInternalError("Cannot open raw blob store", err.Error(), "check the data directory", err))
	}
	artifacts, err := artifactstore.New(dataPath, logger)
	if err != nil {
		return reportFatal(globals, appstatus.NewInternalError("Cannot open artifact store", err.Error(), "check the data directory", err))
	}

	handlers := registry.New(logger)
	for _, h := range formats.NewTextHandlers() {
		handlers.Register(h)
	}
	for _, h := range formats.NewBundleHandlers(blobs) {
		handlers.Register(h)
	}

	windows := connector.FetchWindows{
		MsgFresh:       hoursToDuration(*msgFreshHours),
		FileFresh:      hoursToDuration(*fileFreshHours),
		MsgSubsequent:  hoursToDuration(*msgSubHours),
		FileSubsequent: hoursToDuration(*fileSubHours),
	}

	metricsReg := metrics.New()

	o := orchestrator.New(repo, blobs, artifacts, handlers, connectorFactory(windows),
		publisher.NewTelegramPublisher(), config.ResolveToken, metricsReg, logger)
	o.OutputsDir = "outputs"
	o.OutputsDevDir = "outputs_dev"

	if !globals.Quiet {
		o.SetProgressCallback(newProgressReporter())
	}

	var deadline time.Time
	if *timeoutDuration > 0 {
		deadline = time.Now().Add(*timeoutDuration)
	}

	summary, err := o.Run(context.Background(), cfg, orchestrator.RunOptions{Deadline: deadline, NoDeliver: *noDeliver})
	if err != nil {
		return reportFatal(globals, appstatus.NewInternalError("Run failed", err.Error(), "check the logs above for the failing phase", err))
	}

	metricsDir := filepath.Join(dataPath, "metrics")
	if err := os.MkdirAll(metricsDir, 0o750); err != nil {
		logger.Warn("run.metrics.mkdir_failed", "error", err)
	} else if err := metricsReg.WriteTextfile(filepath.Join(metricsDir, "run.prom")); err != nil {
		logger.Warn("run.metrics.write_failed", "error", err)
	}

	printSummary(globals, summary)
	return 0
}

func hoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}

// connectorFactory dispatches on source type. telegram_user sources need an
// MTProto implementation; that transport is out of scope here (spec §4.H),
// so such sources fail at ingest time with a clear message rather than
// aborting the whole run.
func connectorFactory(windows connector.FetchWindows) orchestrator.ConnectorFactory {
	return func(ctx context.Context, src config.SourceConfig) (connector.SourceConnector, error) {
		switch src.Type {
		case config.SourceTypeTelegram:
			var chatID int64
			if _, err := fmt.Sscanf(src.Telegram.ChatID, "%d", &chatID); err != nil {
				return nil, fmt.Errorf("source %s: chat_id %q is not numeric: %w", src.ID, src.Telegram.ChatID, err)
			}
			return connector.NewBotPoller(src.Telegram.Token, chatID, windows)
		case config.SourceTypeTelegramUser:
			return nil, fmt.Errorf("source %s: telegram_user sources require an MTProto client, which proxyagg does not bundle", src.ID)
		default:
			return nil, fmt.Errorf("source %s: unsupported source type %q", src.ID, src.Type)
		}
	}
}

func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Verbose == 1:
		level = slog.LevelInfo
	}
	if globals.Quiet {
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func newProgressReporter() orchestrator.ProgressCallback {
	var bar *progressbar.ProgressBar
	return func(current, total int64, phase string) {
		if bar == nil {
			bar = progressbar.NewOptions64(total,
				progressbar.OptionSetDescription("run"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
			)
		}
		bar.Describe(phase)
		_ = bar.Set64(current)
		if current == total {
			_ = bar.Finish()
		}
	}
}

func printSummary(globals GlobalFlags, summary *orchestrator.Summary) {
	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
		return
	}

	bold := color.New(color.Bold)
	bold.Println("proxyagg run complete")
	fmt.Printf("  seen_file_cutoff_id: %d\n", summary.SeenFileCutoffID)
	fmt.Printf("  ingest:        %s  (%d sources)\n", summary.IngestDuration.Round(time.Millisecond), len(summary.Sources))
	fmt.Printf("  transform:     %s\n", summary.TransformDuration.Round(time.Millisecond))
	fmt.Printf("  build+publish: %s  (%d routes)\n", summary.BuildPublishDuration.Round(time.Millisecond), len(summary.Routes))
	fmt.Printf("  export:        %s\n", summary.ExportDuration.Round(time.Millisecond))
	fmt.Printf("  cleanup:       %s  (%d blobs pruned)\n", summary.CleanupDuration.Round(time.Millisecond), summary.BlobsPruned)
	fmt.Printf("  total:         %s\n", summary.TotalDuration.Round(time.Millisecond))

	for _, s := range summary.Sources {
		switch {
		case s.Err != nil:
			color.New(color.FgRed).Printf("  source %s: FAILED: %v\n", s.SourceID, s.Err)
		case s.Skipped:
			color.New(color.FgYellow).Printf("  source %s: skipped (duplicate channel)\n", s.SourceID)
		}
	}
	for _, r := range summary.Routes {
		if r.Err != nil {
			color.New(color.FgRed).Printf("  route %s: FAILED: %v\n", r.RouteName, r.Err)
			continue
		}
		color.New(color.FgGreen).Printf("  route %s: built=%d published=%d\n", r.RouteName, r.Built, r.Published)
	}
}

func reportFatal(globals GlobalFlags, err error) int {
	if !globals.Quiet {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
	}
	return 1
}
