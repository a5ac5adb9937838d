package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "secret-token")
	path := writeTempConfig(t, `
sources:
  - id: chan-1
    type: telegram
    telegram: { token: "${TEST_BOT_TOKEN}", chat_id: "-100" }
    selector: { include_formats: ["all"] }
publishing:
  routes: []
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sources[0].Telegram.Token != "secret-token" {
		t.Errorf("expected env var expanded, got %q", cfg.Sources[0].Telegram.Token)
	}
}

func TestLoadRejectsEmptySources(t *testing.T) {
	path := writeTempConfig(t, "sources: []\npublishing:\n  routes: []\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty sources")
	}
}

func TestLoadRejectsUnknownSourceType(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - id: chan-1
    type: carrier_pigeon
publishing:
  routes: []
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown source type")
	}
}

func TestLoadRejectsRouteReferencingUnknownSource(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - id: chan-1
    type: telegram
    telegram: { token: x, chat_id: "-100" }
publishing:
  routes:
    - name: r1
      from_sources: ["does-not-exist"]
      formats: ["npvt"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for route referencing unknown source")
	}
}

func TestLoadRejectsRouteWithUnknownFormat(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - id: chan-1
    type: telegram
    telegram: { token: x, chat_id: "-100" }
publishing:
  routes:
    - name: r1
      from_sources: ["chan-1"]
      formats: ["not_a_format"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown route format")
	}
}

func TestLoadAcceptsValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
sources:
  - id: chan-1
    type: telegram
    telegram: { token: x, chat_id: "-100" }
    selector: { include_formats: ["npvt", "all"] }
publishing:
  routes:
    - name: r1
      from_sources: ["chan-1"]
      formats: ["npvt", "ovpn"]
      destinations:
        - { chat_id: "-200", mode: document, caption_template: "{format}" }
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Publishing.Routes) != 1 || cfg.Publishing.Routes[0].Name != "r1" {
		t.Errorf("unexpected routes: %+v", cfg.Publishing.Routes)
	}
}
