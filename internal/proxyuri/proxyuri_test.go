package proxyuri

import (
	"encoding/base64"
	"testing"
)

func TestStripProxyRemarkSimpleFragment(t *testing.T) {
	got := StripProxyRemark("vless://abc@host:443?type=ws#my-remark")
	want := "vless://abc@host:443?type=ws"
	if got != want {
		t.Errorf("StripProxyRemark() = %q, want %q", got, want)
	}
}

func TestStripProxyRemarkNoFragmentUnchanged(t *testing.T) {
	uri := "trojan://pw@host:443?sni=x"
	if got := StripProxyRemark(uri); got != uri {
		t.Errorf("StripProxyRemark() = %q, want unchanged %q", got, uri)
	}
}

func TestStripProxyRemarkIsIdempotent(t *testing.T) {
	uri := "ss://YWVzLTI1Ni1nY206cGFzcw==@host:8388#remark"
	once := StripProxyRemark(uri)
	twice := StripProxyRemark(once)
	if once != twice {
		t.Errorf("strip not idempotent: once=%q twice=%q", once, twice)
	}
}

func vmessURI(t *testing.T, json string) string {
	t.Helper()
	return vmessScheme + base64.StdEncoding.EncodeToString([]byte(json))
}

func TestStripProxyRemarkVmessRemovesPs(t *testing.T) {
	uri := vmessURI(t, `{"add":"host","id":"uuid","port":443,"ps":"cosmetic"}`)
	canonical := StripProxyRemark(uri)
	payload, ok := decodeVmessJSON(canonical)
	if !ok {
		t.Fatalf("decodeVmessJSON failed on canonical form")
	}
	if _, hasPs := payload["ps"]; hasPs {
		t.Errorf("expected ps field removed, payload = %+v", payload)
	}
}

func TestStripProxyRemarkVmessCollapsesOnlyPsDifference(t *testing.T) {
	a := vmessURI(t, `{"add":"host","id":"uuid","port":443,"ps":"one"}`)
	b := vmessURI(t, `{"add":"host","id":"uuid","port":443,"ps":"two"}`)
	if StripProxyRemark(a) != StripProxyRemark(b) {
		t.Errorf("expected identical canonical form for ps-only difference")
	}
}

func TestStripProxyRemarkVmessTolerantOfMalformedBase64(t *testing.T) {
	uri := vmessScheme + "not-valid-base64!!!"
	if got := StripProxyRemark(uri); got != uri {
		t.Errorf("expected malformed vmess payload returned unchanged, got %q", got)
	}
}

func TestStripProxyRemarkVmessUnpaddedURLSafe(t *testing.T) {
	raw := []byte(`{"add":"host","id":"uuid","ps":"x"}`)
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	uri := vmessScheme + encoded
	canonical := StripProxyRemark(uri)
	payload, ok := decodeVmessJSON(canonical)
	if !ok {
		t.Fatalf("expected unpadded URL-safe base64 to decode")
	}
	if _, hasPs := payload["ps"]; hasPs {
		t.Errorf("expected ps stripped, got %+v", payload)
	}
}

func TestAddCleanRemarkSequentialPerScheme(t *testing.T) {
	counter := map[string]int{}
	first := AddCleanRemark("vless://a@h:1", counter)
	second := AddCleanRemark("vless://b@h:2", counter)
	third := AddCleanRemark("trojan://c@h:3", counter)

	if first != "vless://a@h:1#vless-1" {
		t.Errorf("first = %q", first)
	}
	if second != "vless://b@h:2#vless-2" {
		t.Errorf("second = %q", second)
	}
	if third != "trojan://c@h:3#trojan-1" {
		t.Errorf("third = %q", third)
	}
}

func TestAddCleanRemarkReplacesExistingFragment(t *testing.T) {
	counter := map[string]int{}
	got := AddCleanRemark("ss://x@h:1#old-remark", counter)
	if got != "ss://x@h:1#ss-1" {
		t.Errorf("got %q", got)
	}
}

func TestAddCleanRemarkVmess(t *testing.T) {
	counter := map[string]int{}
	uri := vmessURI(t, `{"add":"host","id":"uuid"}`)
	got := AddCleanRemark(uri, counter)
	payload, ok := decodeVmessJSON(got)
	if !ok {
		t.Fatalf("decode failed")
	}
	if payload["ps"] != "vmess-1" {
		t.Errorf("expected ps=vmess-1, got %+v", payload["ps"])
	}
}

func TestExtractProxyURIsFromProse(t *testing.T) {
	text := `Check out vless://user@host:443?type=ws#tag and also trojan://pw@h2:443 for more, ` +
		`or this one in quotes "ss://abc@h3:8388#x" plus <vmess://deadbeef> brackets.`
	got := ExtractProxyURIs(text)
	want := []string{
		"vless://user@host:443?type=ws#tag",
		"trojan://pw@h2:443",
		"ss://abc@h3:8388#x",
		"vmess://deadbeef",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d matches, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("match %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSchemeOfUnrecognized(t *testing.T) {
	if _, ok := SchemeOf("https://example.com"); ok {
		t.Error("expected https to be unrecognized")
	}
}
