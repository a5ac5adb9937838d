package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/riftlabs/proxyagg/internal/artifactstore"
	"github.com/riftlabs/proxyagg/internal/config"
	"github.com/riftlabs/proxyagg/internal/formatid"
	"github.com/riftlabs/proxyagg/internal/pipeline"
	"github.com/riftlabs/proxyagg/internal/proxyuri"
)

const manifestFilename = "_manifest.json"

// devEntry is one row of outputs_dev/proxies.json (spec §4.M Phase 3b).
type devEntry struct {
	URI       string `json:"uri"`
	FirstSeen int64  `json:"first_seen"`
}

// devManifest is outputs_dev/proxies.json's root shape.
type devManifest struct {
	Generated int64      `json:"_generated"`
	Scope     string     `json:"_scope"`
	Count     int        `json:"_count"`
	Proxies   []devEntry `json:"proxies"`
}

// runExportPhase writes the latest per-route outputs tree and the
// cumulative outputs_dev tree (spec §4.M Phase 3b). It re-derives build
// results rather than threading them through Summary, since the export
// phase must run even for a route whose build partially failed.
func (o *Orchestrator) runExportPhase(ctx context.Context, cfg *config.Config) error {
	build := pipeline.NewBuildPipeline(o.Repo, o.Handlers, o.Artifacts, o.Logger)

	var allResults []pipeline.BuildResult
	routeNames := make([]string, 0, len(cfg.Publishing.Routes))
	for _, route := range cfg.Publishing.Routes {
		routeNames = append(routeNames, route.Name)
		results, err := build.Run(ctx, pipeline.RouteConfig{
			Name: route.Name, Formats: route.Formats, FromSources: route.FromSources,
		})
		if err != nil {
			o.Logger.Warn("orchestrator.export.rebuild_failed", "route", route.Name, "error", err)
			continue
		}
		allResults = append(allResults, results...)
	}

	if err := o.writeLatestOutputs(allResults, routeNames); err != nil {
		return fmt.Errorf("write latest outputs: %w", err)
	}
	if err := o.writeDevOutputs(ctx, cfg); err != nil {
		return fmt.Errorf("write dev outputs: %w", err)
	}
	return nil
}

// outputFilename derives a route-scoped filename for one build result
// (spec §4.M Phase 3b filename rule).
func outputFilename(routeName string, format string) string {
	switch {
	case strings.HasSuffix(format, ".decoded.json"):
		base := strings.TrimSuffix(format, ".decoded.json")
		return fmt.Sprintf("%s_%s_decoded.json", routeName, base)
	case strings.HasSuffix(format, ".b64sub"):
		base := strings.TrimSuffix(format, ".b64sub")
		return fmt.Sprintf("%s_%s_b64sub.txt", routeName, base)
	default:
		return fmt.Sprintf("%s.%s", routeName, format)
	}
}

// writeLatestOutputs writes each result to outputs/<filename> and removes
// stale files under any configured route's prefix that weren't rewritten
// this run (spec §4.M Phase 3b "outputs/ (latest)").
func (o *Orchestrator) writeLatestOutputs(results []pipeline.BuildResult, routeNames []string) error {
	if err := os.MkdirAll(o.OutputsDir, 0o750); err != nil {
		return fmt.Errorf("create outputs dir: %w", err)
	}

	written := make(map[string]bool, len(results))
	for _, r := range results {
		name := outputFilename(r.RouteName, r.Format)
		written[name] = true
		if err := atomicWriteFile(filepath.Join(o.OutputsDir, name), r.Data); err != nil {
			return fmt.Errorf("write output %s: %w", name, err)
		}
	}

	entries, err := os.ReadDir(o.OutputsDir)
	if err != nil {
		return fmt.Errorf("read outputs dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !artifactstore.OutputPrefixMatch(e.Name(), routeNames) {
			continue
		}
		if written[e.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(o.OutputsDir, e.Name())); err != nil {
			o.Logger.Warn("orchestrator.export.stale_cleanup_failed", "file", e.Name(), "error", err)
		}
	}
	return nil
}

// writeDevOutputs maintains the cumulative outputs_dev/ tree: a
// first-seen-timestamp manifest plus proxies.txt / proxies_b64sub.txt /
// proxies.json over every canonical npvt/npvtsub URI currently in storage
// (spec §4.M Phase 3b "outputs_dev/ (cumulative)").
func (o *Orchestrator) writeDevOutputs(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(o.OutputsDevDir, 0o750); err != nil {
		return fmt.Errorf("create outputs_dev dir: %w", err)
	}

	manifestPath := filepath.Join(o.OutputsDevDir, manifestFilename)
	firstSeen, err := loadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	sourceIDs := make([]string, len(cfg.Sources))
	for i, s := range cfg.Sources {
		sourceIDs[i] = s.ID
	}
	if len(sourceIDs) == 0 {
		return nil
	}

	records, err := o.Repo.GetRecordsForBuild(ctx, []string{formatid.NPVT, formatid.NPVTSub}, sourceIDs, 0)
	if err != nil {
		return fmt.Errorf("get records for dev export: %w", err)
	}

	now := time.Now().Unix()
	seen := make(map[string]bool, len(records))
	var canonical []string
	for _, rec := range records {
		data, err := pipeline.DecodeRecordData(rec.DataJSON)
		if err != nil {
			continue
		}
		line, ok := pipeline.ExtractLine(data)
		if !ok || seen[line] {
			continue
		}
		seen[line] = true
		canonical = append(canonical, line)
		if _, exists := firstSeen[line]; !exists {
			firstSeen[line] = now
		}
	}

	if err := saveManifest(manifestPath, firstSeen); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	sort.Slice(canonical, func(i, j int) bool {
		ti, tj := firstSeen[canonical[i]], firstSeen[canonical[j]]
		if ti != tj {
			return ti > tj // newest-first
		}
		return canonical[i] < canonical[j] // ties lexicographic
	})

	counter := make(map[string]int)
	tagged := make([]string, 0, len(canonical))
	for _, uri := range canonical {
		if _, ok := proxyuri.SchemeOf(uri); ok {
			tagged = append(tagged, proxyuri.AddCleanRemark(uri, counter))
		} else {
			tagged = append(tagged, uri)
		}
	}

	header := fmt.Sprintf("# proxyagg aggregate — %d proxies — generated %s\n", len(tagged), time.Unix(now, 0).UTC().Format(time.RFC3339))
	body := strings.Join(tagged, "\n")
	if err := atomicWriteFile(filepath.Join(o.OutputsDevDir, "proxies.txt"), []byte(header+body)); err != nil {
		return fmt.Errorf("write proxies.txt: %w", err)
	}

	b64 := base64.StdEncoding.EncodeToString([]byte(body))
	if err := atomicWriteFile(filepath.Join(o.OutputsDevDir, "proxies_b64sub.txt"), []byte(b64)); err != nil {
		return fmt.Errorf("write proxies_b64sub.txt: %w", err)
	}

	doc := devManifest{Generated: now, Scope: "npvt,npvtsub", Count: len(canonical)}
	for _, uri := range canonical {
		doc.Proxies = append(doc.Proxies, devEntry{URI: uri, FirstSeen: firstSeen[uri]})
	}
	docBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proxies.json: %w", err)
	}
	if err := atomicWriteFile(filepath.Join(o.OutputsDevDir, "proxies.json"), docBytes); err != nil {
		return fmt.Errorf("write proxies.json: %w", err)
	}

	return nil
}

func loadManifest(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]int64), nil
		}
		return nil, err
	}
	var m map[string]int64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func saveManifest(path string, m map[string]int64) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

// atomicWriteFile writes data to path via a temp-file-then-rename, matching
// the crash-safety every other on-disk write in this module uses.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
