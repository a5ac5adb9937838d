package formats

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/riftlabs/proxyagg/internal/registry"
)

type fakeBlobs struct {
	blobs map[string][]byte
}

func (f fakeBlobs) Get(hash string) ([]byte, error) { return f.blobs[hash], nil }
func (f fakeBlobs) Exists(hash string) bool         { _, ok := f.blobs[hash]; return ok }

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func TestBundleHandlerParseHashesWholeBlob(t *testing.T) {
	blobs := fakeBlobs{blobs: map[string][]byte{}}
	h := bundleHandler{id: "ovpn", blobs: blobs}

	data := []byte("opaque vpn config contents")
	records, err := h.Parse(data, registry.ParseContext{Filename: "a.ovpn"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].UniqueHash != hashOf(data) {
		t.Errorf("expected unique_hash to be sha256 of blob")
	}
	if records[0].Data["blob_hash"] != hashOf(data) {
		t.Errorf("expected blob_hash field to match")
	}
}

func TestBundleHandlerBuildReassemblesZip(t *testing.T) {
	blobA := []byte("config A")
	blobB := []byte("config B")
	blobs := fakeBlobs{blobs: map[string][]byte{
		hashOf(blobA): blobA,
		hashOf(blobB): blobB,
	}}
	h := bundleHandler{id: "ovpn", blobs: blobs}

	recs := []registry.BuildRecord{
		{Data: map[string]any{"blob_hash": hashOf(blobA), "filename": "a.ovpn"}},
		{Data: map[string]any{"blob_hash": hashOf(blobB), "filename": "b.ovpn"}},
	}
	out, err := h.Build(recs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("zip.NewReader failed: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 zip entries, got %d", len(zr.File))
	}
}

func TestBundleHandlerBuildSkipsMissingBlobsAndResolvesNameCollisions(t *testing.T) {
	blobA := []byte("config A")
	blobC := []byte("different, same name")
	blobs := fakeBlobs{blobs: map[string][]byte{
		hashOf(blobA): blobA,
		hashOf(blobC): blobC,
	}}
	h := bundleHandler{id: "ovpn", blobs: blobs}

	recs := []registry.BuildRecord{
		{Data: map[string]any{"blob_hash": hashOf(blobA), "filename": "same.ovpn"}},
		{Data: map[string]any{"blob_hash": hashOf(blobC), "filename": "same.ovpn"}},
		{Data: map[string]any{"blob_hash": "deadbeef", "filename": "missing.ovpn"}},
	}
	out, err := h.Build(recs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("zip.NewReader failed: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 resolvable blobs written, got %d entries", len(zr.File))
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["same.ovpn"] || !names["1_same.ovpn"] {
		t.Errorf("expected collision-resolved names, got %v", names)
	}
}

func TestBundleHandlerBuildEmptyProducesMinimalZip(t *testing.T) {
	h := bundleHandler{id: "ovpn", blobs: fakeBlobs{blobs: map[string][]byte{}}}
	out, err := h.Build(nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(out) > 22 {
		t.Errorf("expected minimal empty zip (<=22 bytes), got %d bytes", len(out))
	}
}
