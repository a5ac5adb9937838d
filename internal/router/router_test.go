package router

import (
	"encoding/base64"
	"testing"

	"github.com/riftlabs/proxyagg/internal/formatid"
)

func TestDecideFormatByExtension(t *testing.T) {
	cases := map[string]string{
		"a.ovpn":    formatid.Ovpn,
		"a.npv4":    formatid.Npv4,
		"a.conf":    formatid.ConfLines,
		"a.ehi":     formatid.Ehi,
		"a.hc":      formatid.Hc,
		"a.hat":     formatid.Hat,
		"a.sip":     formatid.Sip,
		"a.nm":      formatid.Nm,
		"a.dark":    formatid.Dark,
		"a.npvtsub": formatid.NPVTSub,
	}
	for name, want := range cases {
		if got := DecideFormat(name, nil); got != want {
			t.Errorf("DecideFormat(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestDecideFormatExtensionIsCaseInsensitive(t *testing.T) {
	if got := DecideFormat("A.OVPN", nil); got != formatid.Ovpn {
		t.Errorf("got %q, want %q", got, formatid.Ovpn)
	}
}

func TestDecideFormatContentSniffFallback(t *testing.T) {
	content := []byte("some text containing vless://user@host:443#tag in the body")
	if got := DecideFormat("message.txt", content); got != formatid.NPVT {
		t.Errorf("got %q, want npvt", got)
	}
}

func TestDecideFormatBase64Fallback(t *testing.T) {
	inner := "vless://user@host:443#tag plus enough padding text to exceed twenty chars"
	encoded := base64.StdEncoding.EncodeToString([]byte(inner))
	if got := DecideFormat("noext", []byte(encoded)); got != formatid.NPVT {
		t.Errorf("got %q, want npvt", got)
	}
}

func TestDecideFormatDefaultsToOpaqueBundle(t *testing.T) {
	if got := DecideFormat("noext", []byte{0x00, 0x01, 0x02, 0x03}); got != formatid.OpaqueBundle {
		t.Errorf("got %q, want opaque_bundle", got)
	}
}
