package staterepo

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	r, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSourceStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	if _, ok, err := r.GetSourceState(ctx, "chan-1"); err != nil || ok {
		t.Fatalf("expected no state yet, got ok=%v err=%v", ok, err)
	}

	if err := r.UpdateSourceState(ctx, "chan-1", "telegram_channel", `{"offset":5}`); err != nil {
		t.Fatalf("UpdateSourceState failed: %v", err)
	}
	st, ok, err := r.GetSourceState(ctx, "chan-1")
	if err != nil || !ok {
		t.Fatalf("expected state, got ok=%v err=%v", ok, err)
	}
	if st.StateJSON != `{"offset":5}` {
		t.Errorf("unexpected state json: %q", st.StateJSON)
	}

	if err := r.UpdateSourceState(ctx, "chan-1", "telegram_channel", `{"offset":9}`); err != nil {
		t.Fatalf("second UpdateSourceState failed: %v", err)
	}
	st, _, _ = r.GetSourceState(ctx, "chan-1")
	if st.StateJSON != `{"offset":9}` {
		t.Errorf("expected upsert to overwrite, got %q", st.StateJSON)
	}
}

func TestSeenFilesDedupAndBatch(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	err := r.RecordFilesBatch(ctx, []NewSeenFile{
		{SourceID: "s1", ExternalID: "e1", RawHash: "h1", Filename: "a.ovpn"},
		{SourceID: "s1", ExternalID: "e2", RawHash: "h2", Filename: "b.ovpn"},
	})
	if err != nil {
		t.Fatalf("RecordFilesBatch failed: %v", err)
	}

	// Re-recording the same (source, external) is ignored, not an error.
	if err := r.RecordFile(ctx, NewSeenFile{SourceID: "s1", ExternalID: "e1", RawHash: "h1-changed"}); err != nil {
		t.Fatalf("duplicate RecordFile should be ignored, got error: %v", err)
	}

	has, err := r.HasSeenFile(ctx, "s1", "e1")
	if err != nil || !has {
		t.Fatalf("expected e1 to be seen, has=%v err=%v", has, err)
	}

	batch, err := r.GetSeenFilesBatch(ctx, "s1", []string{"e1", "e2", "e3"})
	if err != nil {
		t.Fatalf("GetSeenFilesBatch failed: %v", err)
	}
	if !batch["e1"] || !batch["e2"] || batch["e3"] {
		t.Errorf("unexpected batch result: %+v", batch)
	}

	pending, err := r.GetPendingFiles(ctx)
	if err != nil {
		t.Fatalf("GetPendingFiles failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending files, got %d", len(pending))
	}
}

func TestUpdateFileStatusOnlyTouchesPendingRows(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	if err := r.RecordFile(ctx, NewSeenFile{SourceID: "s1", ExternalID: "e1", RawHash: "dup"}); err != nil {
		t.Fatalf("RecordFile failed: %v", err)
	}
	if err := r.RecordFile(ctx, NewSeenFile{SourceID: "s1", ExternalID: "e2", RawHash: "dup"}); err != nil {
		t.Fatalf("RecordFile failed: %v", err)
	}

	if err := r.UpdateFileStatus(ctx, "dup", StatusProcessed, ""); err != nil {
		t.Fatalf("UpdateFileStatus failed: %v", err)
	}

	pending, err := r.GetPendingFiles(ctx)
	if err != nil {
		t.Fatalf("GetPendingFiles failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected both rows with shared raw_hash to transition, %d still pending", len(pending))
	}

	// A second transition attempt on the now-processed rows is a no-op, not
	// an error — it should never flip a resolved row back to failed.
	if err := r.UpdateFileStatus(ctx, "dup", StatusFailed, "boom"); err != nil {
		t.Fatalf("second UpdateFileStatus failed: %v", err)
	}
}

func TestGetRecordsForBuildDedupesByUniqueHash(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	if err := r.RecordFilesBatch(ctx, []NewSeenFile{
		{SourceID: "src-a", ExternalID: "e1", RawHash: "h1"},
		{SourceID: "src-a", ExternalID: "e2", RawHash: "h2"},
	}); err != nil {
		t.Fatalf("RecordFilesBatch failed: %v", err)
	}

	err := r.AddRecordsBatch(ctx, []NewRecord{
		{SourceFileHash: "h1", RecordType: "npvt", UniqueHash: "u1", DataJSON: `{"v":1}`},
		{SourceFileHash: "h2", RecordType: "npvt", UniqueHash: "u1", DataJSON: `{"v":2}`},
		{SourceFileHash: "h2", RecordType: "npvt", UniqueHash: "u2", DataJSON: `{"v":3}`},
	})
	if err != nil {
		t.Fatalf("AddRecordsBatch failed: %v", err)
	}

	out, err := r.GetRecordsForBuild(ctx, []string{"npvt"}, []string{"src-a"}, 0)
	if err != nil {
		t.Fatalf("GetRecordsForBuild failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped records, got %d: %+v", len(out), out)
	}
	if out[0].DataJSON != `{"v":2}` {
		t.Errorf("expected latest write for u1 to win, got %q", out[0].DataJSON)
	}
	if out[1].DataJSON != `{"v":3}` {
		t.Errorf("unexpected second record: %q", out[1].DataJSON)
	}
}

func TestGetRecordsForBuildRespectsMinSeenFileID(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	if err := r.RecordFile(ctx, NewSeenFile{SourceID: "src-a", ExternalID: "e1", RawHash: "h1"}); err != nil {
		t.Fatalf("RecordFile failed: %v", err)
	}
	cutoff, err := r.MaxSeenFileID(ctx)
	if err != nil {
		t.Fatalf("MaxSeenFileID failed: %v", err)
	}
	if err := r.RecordFile(ctx, NewSeenFile{SourceID: "src-a", ExternalID: "e2", RawHash: "h2"}); err != nil {
		t.Fatalf("RecordFile failed: %v", err)
	}
	if err := r.AddRecordsBatch(ctx, []NewRecord{
		{SourceFileHash: "h1", RecordType: "npvt", UniqueHash: "u1", DataJSON: "before"},
		{SourceFileHash: "h2", RecordType: "npvt", UniqueHash: "u2", DataJSON: "after"},
	}); err != nil {
		t.Fatalf("AddRecordsBatch failed: %v", err)
	}

	out, err := r.GetRecordsForBuild(ctx, []string{"npvt"}, []string{"src-a"}, cutoff)
	if err != nil {
		t.Fatalf("GetRecordsForBuild failed: %v", err)
	}
	if len(out) != 1 || out[0].DataJSON != "after" {
		t.Fatalf("expected only the post-cutoff record, got %+v", out)
	}
}

func TestPublishedArtifactsTracking(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	if published, err := r.IsArtifactPublished(ctx, "route-a", "h1"); err != nil || published {
		t.Fatalf("expected not yet published, published=%v err=%v", published, err)
	}
	if _, ok, err := r.GetLastPublishedHash(ctx, "route-a"); err != nil || ok {
		t.Fatalf("expected no published hash yet, ok=%v err=%v", ok, err)
	}

	if err := r.MarkPublished(ctx, "route-a", "h1", ""); err != nil {
		t.Fatalf("MarkPublished failed: %v", err)
	}
	if err := r.MarkPublished(ctx, "route-a", "h2", `{"message_id":42}`); err != nil {
		t.Fatalf("MarkPublished failed: %v", err)
	}

	published, err := r.IsArtifactPublished(ctx, "route-a", "h1")
	if err != nil || !published {
		t.Fatalf("expected h1 published, published=%v err=%v", published, err)
	}

	last, ok, err := r.GetLastPublishedHash(ctx, "route-a")
	if err != nil || !ok || last != "h2" {
		t.Fatalf("expected last published hash h2, got %q ok=%v err=%v", last, ok, err)
	}
}

func TestProcessedHashesExcludesBundleFormatsAndPending(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	if err := r.RecordFilesBatch(ctx, []NewSeenFile{
		{SourceID: "s1", ExternalID: "e1", RawHash: "h1"}, // processed, text record -> eligible for prune
		{SourceID: "s1", ExternalID: "e2", RawHash: "h2"}, // processed, bundle record -> must stay
		{SourceID: "s1", ExternalID: "e3", RawHash: "h3"}, // still pending -> must stay
	}); err != nil {
		t.Fatalf("RecordFilesBatch failed: %v", err)
	}
	if err := r.UpdateFileStatusBatch(ctx, []FileStatusUpdate{
		{RawHash: "h1", Status: StatusProcessed},
		{RawHash: "h2", Status: StatusProcessed},
	}); err != nil {
		t.Fatalf("UpdateFileStatusBatch failed: %v", err)
	}
	if err := r.AddRecordsBatch(ctx, []NewRecord{
		{SourceFileHash: "h1", RecordType: "npvt", UniqueHash: "u1", DataJSON: "{}"},
		{SourceFileHash: "h2", RecordType: "ovpn", UniqueHash: "u2", DataJSON: "{}"},
	}); err != nil {
		t.Fatalf("AddRecordsBatch failed: %v", err)
	}

	hashes, err := r.ProcessedHashes(ctx)
	if err != nil {
		t.Fatalf("ProcessedHashes failed: %v", err)
	}
	if len(hashes) != 1 || hashes[0] != "h1" {
		t.Fatalf("expected only h1 eligible for pruning, got %+v", hashes)
	}
}

func TestBeginTxIsolatesUntilCommit(t *testing.T) {
	ctx := context.Background()
	r := openTestRepo(t)

	tx, err := r.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if err := tx.RecordFile(ctx, NewSeenFile{SourceID: "s1", ExternalID: "e1", RawHash: "h1"}); err != nil {
		t.Fatalf("RecordFile within tx failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	has, err := r.HasSeenFile(ctx, "s1", "e1")
	if err != nil || !has {
		t.Fatalf("expected committed row visible outside tx, has=%v err=%v", has, err)
	}
}
