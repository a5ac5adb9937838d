package formats

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"

	"github.com/riftlabs/proxyagg/internal/formatid"
	"github.com/riftlabs/proxyagg/internal/registry"
)

// registerFlateOnce wires klauspost/compress's flate implementation as the
// archive/zip deflate backend, the same pluggable-compressor pattern used
// throughout the rest of the pack for faster compression than the
// standard library's.
var registerFlateOnce sync.Once

func registerFasterFlate() {
	registerFlateOnce.Do(func() {
		zip.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(w, flate.DefaultCompression)
		})
	})
}

// BlobGetter is the subset of the Raw Blob Store the bundle handler needs.
type BlobGetter interface {
	Get(hash string) ([]byte, error)
	Exists(hash string) bool
}

// bundleHandler implements the opaque-bundle handler family: the entire
// blob is one record at parse time, and build reassembles referenced blobs
// into a ZIP (spec §4.F).
type bundleHandler struct {
	id    string
	blobs BlobGetter
}

// NewBundleHandlers constructs one handler instance per bundle format id,
// all backed by the same Raw Blob Store (spec §4.F: "multiple named
// variants register the same implementation under distinct format_ids").
func NewBundleHandlers(blobs BlobGetter) []registry.Handler {
	registerFasterFlate()

	handlers := make([]registry.Handler, 0, len(formatid.BundleFormats))
	for _, id := range formatid.BundleFormats {
		handlers = append(handlers, bundleHandler{id: id, blobs: blobs})
	}
	return handlers
}

func (h bundleHandler) FormatID() string { return h.id }

func (h bundleHandler) Parse(data []byte, ctx registry.ParseContext) ([]registry.ParsedRecord, error) {
	hash := sha256.Sum256(data)
	hexHash := hex.EncodeToString(hash[:])
	return []registry.ParsedRecord{{
		UniqueHash: hexHash,
		Data: map[string]any{
			"filename":  ctx.Filename,
			"blob_hash": hexHash,
			"size":      len(data),
		},
	}}, nil
}

func (h bundleHandler) Build(records []registry.BuildRecord) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	usedNames := make(map[string]int)
	for _, rec := range records {
		hash, filename, ok := bundleBlobRef(rec.Data)
		if !ok || !h.blobs.Exists(hash) {
			continue
		}
		blob, err := h.blobs.Get(hash)
		if err != nil {
			continue
		}

		name := filename
		if name == "" {
			name = hash
		}
		resolved := name
		if n := usedNames[name]; n > 0 {
			resolved = fmt.Sprintf("%d_%s", n, name)
		}
		usedNames[name]++
		name = resolved

		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("create zip entry %s: %w", name, err)
		}
		if _, err := w.Write(blob); err != nil {
			return nil, fmt.Errorf("write zip entry %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// bundleBlobRef pulls blob_hash and filename out of a build record's data,
// accommodating both the fresh-record and read-back-from-storage shapes.
func bundleBlobRef(data map[string]any) (hash, filename string, ok bool) {
	m := data
	if nested, isNested := data["data"].(map[string]any); isNested {
		m = nested
	}
	hash, ok = m["blob_hash"].(string)
	if !ok {
		return "", "", false
	}
	filename, _ = m["filename"].(string)
	return hash, filename, true
}
