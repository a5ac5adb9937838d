package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteTextfileProducesPrometheusFormat(t *testing.T) {
	m := New()
	m.FilesIngested.WithLabelValues("chan-1").Add(3)
	m.ArtifactsBuilt.WithLabelValues("route-a", "npvt").Inc()

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "proxyagg_files_ingested_total") {
		t.Errorf("expected files_ingested series in output, got:\n%s", text)
	}
	if !strings.Contains(text, `source_id="chan-1"`) {
		t.Errorf("expected source_id label in output, got:\n%s", text)
	}
}

func TestWriteTextfileNoPartialFileOnDoubleRun(t *testing.T) {
	m := New()
	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("first WriteTextfile failed: %v", err)
	}
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("second WriteTextfile failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be cleaned up after atomic rename")
	}
}
