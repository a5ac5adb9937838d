package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/riftlabs/proxyagg/internal/formatid"
	"github.com/riftlabs/proxyagg/internal/proxyuri"
	"github.com/riftlabs/proxyagg/internal/registry"
	"github.com/riftlabs/proxyagg/internal/staterepo"
)

// emptyZipSize is the byte size of the minimal empty ZIP archive; bundle
// builds at or below it carry no real content and are dropped (spec
// §4.F "Empty-artifact policy").
const emptyZipSize = 22

// RouteConfig describes one publishing route's build inputs (spec §6).
type RouteConfig struct {
	Name          string
	Formats       []string
	FromSources   []string
	MinSeenFileID int64
}

// BuildStateReader is the subset of the State Repository the Build
// Pipeline reads.
type BuildStateReader interface {
	GetRecordsForBuild(ctx context.Context, recordTypes, sourceIDs []string, minSeenFileID int64) ([]staterepo.BuildRecord, error)
}

// ArtifactSaver is the subset of the Artifact Store the Build Pipeline
// writes through.
type ArtifactSaver interface {
	SaveArtifact(route, format string, data []byte) (string, error)
	SaveOutput(route, format string, data []byte) (string, error)
}

// BuildResult is one built artifact, ready for the Publish Pipeline (spec
// §4.K).
type BuildResult struct {
	RouteName    string
	Format       string
	UniqueID     string
	ArtifactHash string
	Data         []byte
	Count        int
}

// BuildPipeline fetches deduplicated records per route, invokes each
// format's handler, derives decoded-JSON and base64-subscription variants
// for text formats, and persists artifacts (spec §4.K).
type BuildPipeline struct {
	state     BuildStateReader
	handlers  HandlerLookup
	artifacts ArtifactSaver
	logger    *slog.Logger
}

// NewBuildPipeline constructs a BuildPipeline.
func NewBuildPipeline(state BuildStateReader, handlers HandlerLookup, artifacts ArtifactSaver, logger *slog.Logger) *BuildPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildPipeline{state: state, handlers: handlers, artifacts: artifacts, logger: logger}
}

// Run builds every format configured for route and returns the resulting
// artifacts (spec §4.K). A build exception on one format never fails
// others.
func (p *BuildPipeline) Run(ctx context.Context, route RouteConfig) ([]BuildResult, error) {
	records, err := p.state.GetRecordsForBuild(ctx, route.Formats, route.FromSources, route.MinSeenFileID)
	if err != nil {
		return nil, fmt.Errorf("get records for build (route %s): %w", route.Name, err)
	}

	byFormat := make(map[string][]staterepo.BuildRecord)
	for _, rec := range records {
		byFormat[rec.RecordType] = append(byFormat[rec.RecordType], rec)
	}

	var results []BuildResult
	for _, format := range route.Formats {
		filtered := byFormat[format]

		result, ok := p.buildOne(route.Name, format, filtered)
		if ok {
			results = append(results, result)
			if format == formatid.NPVT || format == formatid.NPVTSub {
				results = append(results, p.deriveDecodedJSON(route.Name, format, filtered)...)
				results = append(results, p.deriveB64Sub(route.Name, format, result.Data)...)
			}
		}
	}
	return results, nil
}

func (p *BuildPipeline) buildOne(routeName, format string, filtered []staterepo.BuildRecord) (BuildResult, bool) {
	handler, ok := p.handlers.Lookup(format)
	if !ok {
		p.logger.Warn("no handler for build format", "format", format)
		return BuildResult{}, false
	}

	buildInput := make([]registry.BuildRecord, 0, len(filtered))
	for _, rec := range filtered {
		data, err := unmarshalRecordData(rec.DataJSON)
		if err != nil {
			p.logger.Warn("skipping record with unparseable data_json", "format", format, "error", err)
			continue
		}
		buildInput = append(buildInput, registry.BuildRecord{RecordType: rec.RecordType, Data: data})
	}

	bytes, err := handler.Build(buildInput)
	if err != nil {
		p.logger.Warn("build failed for format", "format", format, "route", routeName, "error", err)
		return BuildResult{}, false
	}
	if len(bytes) == 0 {
		return BuildResult{}, false
	}
	if formatid.IsBundleFormat(format) && len(bytes) <= emptyZipSize {
		return BuildResult{}, false
	}

	hash, err := p.artifacts.SaveArtifact(routeName, format, bytes)
	if err != nil {
		p.logger.Warn("save artifact failed", "format", format, "route", routeName, "error", err)
		return BuildResult{}, false
	}
	if _, err := p.artifacts.SaveOutput(routeName, format, bytes); err != nil {
		p.logger.Warn("save output failed", "format", format, "route", routeName, "error", err)
	}

	return BuildResult{
		RouteName:    routeName,
		Format:       format,
		UniqueID:     routeName + ":" + format,
		ArtifactHash: hash,
		Data:         bytes,
		Count:        len(filtered),
	}, true
}

// decodedJSONDoc is the output shape for fmt.decoded.json (spec §4.K).
type decodedJSONDoc struct {
	Total     int              `json:"total"`
	Protocols map[string]int   `json:"protocols"`
	Entries   []proxyuri.Entry `json:"entries"`
}

func (p *BuildPipeline) deriveDecodedJSON(routeName, format string, filtered []staterepo.BuildRecord) []BuildResult {
	doc := decodedJSONDoc{Protocols: map[string]int{}}
	for _, rec := range filtered {
		data, err := unmarshalRecordData(rec.DataJSON)
		if err != nil {
			continue
		}
		line, ok := extractLineValue(data)
		if !ok {
			continue
		}
		entry := proxyuri.Decode(line)
		doc.Entries = append(doc.Entries, entry)
		doc.Protocols[entry.Protocol]++
		doc.Total++
	}

	bytes, err := json.Marshal(doc)
	if err != nil {
		p.logger.Warn("marshal decoded.json failed", "format", format, "route", routeName, "error", err)
		return nil
	}

	derivedFormat := format + ".decoded.json"
	hash, err := p.artifacts.SaveArtifact(routeName, derivedFormat, bytes)
	if err != nil {
		p.logger.Warn("save decoded.json artifact failed", "format", format, "route", routeName, "error", err)
		return nil
	}
	if _, err := p.artifacts.SaveOutput(routeName, derivedFormat, bytes); err != nil {
		p.logger.Warn("save decoded.json output failed", "format", format, "route", routeName, "error", err)
	}

	return []BuildResult{{
		RouteName:    routeName,
		Format:       derivedFormat,
		UniqueID:     routeName + ":" + derivedFormat,
		ArtifactHash: hash,
		Data:         bytes,
		Count:        doc.Total,
	}}
}

func (p *BuildPipeline) deriveB64Sub(routeName, format string, textArtifact []byte) []BuildResult {
	encoded := []byte(base64.StdEncoding.EncodeToString(textArtifact))

	derivedFormat := format + ".b64sub"
	hash, err := p.artifacts.SaveArtifact(routeName, derivedFormat, encoded)
	if err != nil {
		p.logger.Warn("save b64sub artifact failed", "format", format, "route", routeName, "error", err)
		return nil
	}
	if _, err := p.artifacts.SaveOutput(routeName, derivedFormat, encoded); err != nil {
		p.logger.Warn("save b64sub output failed", "format", format, "route", routeName, "error", err)
	}

	return []BuildResult{{
		RouteName:    routeName,
		Format:       derivedFormat,
		UniqueID:     routeName + ":" + derivedFormat,
		ArtifactHash: hash,
		Data:         encoded,
	}}
}

func extractLineValue(data map[string]any) (string, bool) {
	if line, ok := data["line"].(string); ok {
		return line, true
	}
	if nested, ok := data["data"].(map[string]any); ok {
		if line, ok := nested["line"].(string); ok {
			return line, true
		}
	}
	return "", false
}
