package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/riftlabs/proxyagg/internal/connector"
	"github.com/riftlabs/proxyagg/internal/staterepo"
)

type fakeBlobSaver struct{ saved map[string][]byte }

func newFakeBlobSaver() *fakeBlobSaver { return &fakeBlobSaver{saved: map[string][]byte{}} }

func (f *fakeBlobSaver) Save(data []byte) (string, error) {
	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])
	f.saved[hash] = data
	return hash, nil
}

type fakeStateWriter struct {
	state      map[string]staterepo.SourceState
	seenFiles  map[string]map[string]bool
	recordedAt map[string][]staterepo.NewSeenFile
}

func newFakeStateWriter() *fakeStateWriter {
	return &fakeStateWriter{
		state:      map[string]staterepo.SourceState{},
		seenFiles:  map[string]map[string]bool{},
		recordedAt: map[string][]staterepo.NewSeenFile{},
	}
}

func (f *fakeStateWriter) GetSourceState(ctx context.Context, sourceID string) (staterepo.SourceState, bool, error) {
	s, ok := f.state[sourceID]
	return s, ok, nil
}

func (f *fakeStateWriter) UpdateSourceState(ctx context.Context, sourceID, sourceType, stateJSON string) error {
	f.state[sourceID] = staterepo.SourceState{SourceID: sourceID, SourceType: sourceType, StateJSON: stateJSON}
	return nil
}

func (f *fakeStateWriter) GetSeenFilesBatch(ctx context.Context, sourceID string, externalIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range externalIDs {
		if f.seenFiles[sourceID][id] {
			out[id] = true
		}
	}
	return out, nil
}

func (f *fakeStateWriter) RecordFilesBatch(ctx context.Context, rows []staterepo.NewSeenFile) error {
	if f.seenFiles == nil {
		f.seenFiles = map[string]map[string]bool{}
	}
	for _, row := range rows {
		if f.seenFiles[row.SourceID] == nil {
			f.seenFiles[row.SourceID] = map[string]bool{}
		}
		f.seenFiles[row.SourceID][row.ExternalID] = true
		f.recordedAt[row.SourceID] = append(f.recordedAt[row.SourceID], row)
	}
	return nil
}

func TestIngestionPipelineRecordsNewItemsOnly(t *testing.T) {
	blobs := newFakeBlobSaver()
	state := newFakeStateWriter()
	pipe := NewIngestionPipeline(blobs, state, nil)

	conn := &connector.Static{
		Items: []connector.Item{
			{ExternalID: "msg-1", Data: []byte("vless://a@h:1")},
			{ExternalID: "msg-2", Data: []byte("vless://b@h:2")},
		},
		State: `{"offset": 2}`,
	}

	if _, err := pipe.Run(context.Background(), "src-1", "telegram", conn, time.Time{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(state.recordedAt["src-1"]) != 2 {
		t.Fatalf("expected 2 recorded rows, got %d", len(state.recordedAt["src-1"]))
	}
	if len(blobs.saved) != 2 {
		t.Fatalf("expected 2 blobs saved, got %d", len(blobs.saved))
	}
}

func TestIngestionPipelineIdempotentOnRerun(t *testing.T) {
	blobs := newFakeBlobSaver()
	state := newFakeStateWriter()
	pipe := NewIngestionPipeline(blobs, state, nil)

	items := []connector.Item{{ExternalID: "msg-1", Data: []byte("vless://a@h:1")}}

	if _, err := pipe.Run(context.Background(), "src-1", "telegram", &connector.Static{Items: items, State: "{}"}, time.Time{}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := pipe.Run(context.Background(), "src-1", "telegram", &connector.Static{Items: items, State: "{}"}, time.Time{}); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	if len(state.recordedAt["src-1"]) != 1 {
		t.Fatalf("expected re-run to insert nothing new, total rows = %d", len(state.recordedAt["src-1"]))
	}
}

func TestIngestionPipelinePersistsCumulativeStats(t *testing.T) {
	blobs := newFakeBlobSaver()
	state := newFakeStateWriter()
	pipe := NewIngestionPipeline(blobs, state, nil)

	run := func(id string) {
		items := []connector.Item{{ExternalID: id, Data: []byte("x")}}
		if _, err := pipe.Run(context.Background(), "src-1", "telegram", &connector.Static{Items: items, State: "{}"}, time.Time{}); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	}
	run("a")
	run("b")

	final := decodePersistedState(state.state["src-1"].StateJSON)
	if final.TotalFiles != 2 {
		t.Errorf("expected cumulative total_files=2, got %d", final.TotalFiles)
	}
	if final.LastRun.FilesIngested != 1 {
		t.Errorf("expected last_run.files_ingested=1 for the second run, got %d", final.LastRun.FilesIngested)
	}
}
