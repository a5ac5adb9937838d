// Package proxyuri implements the Proxy-URI Canonicalization Engine
// (spec §4.E): stripping cosmetic remarks for deduplication and re-tagging
// survivors with stable, sequential labels. Written in the teacher's
// manual byte-scanning style (pkg/sigparse) rather than reaching for
// regexp on the hot parse path, with a small regexp reserved for the one
// place the spec explicitly calls for pattern matching (extract_proxy_uris).
package proxyuri

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Schemes is the closed set of recognized proxy URI schemes (spec §4.E).
var Schemes = []string{
	"vmess", "vless", "trojan", "ss", "ssr", "hysteria2", "hy2", "hysteria",
	"tuic", "wireguard", "wg", "socks", "socks5", "socks4", "anytls",
	"juicity", "warp", "dns", "dnstt",
}

const vmessScheme = "vmess://"

var extractPattern = regexp.MustCompile(
	`(?:` + strings.Join(Schemes, "|") + `)://[^\s<>"']+`,
)

// SchemeOf returns the lower-cased scheme prefix of uri (without "://"),
// and whether uri starts with one of the recognized schemes.
func SchemeOf(uri string) (string, bool) {
	lower := strings.ToLower(uri)
	for _, s := range Schemes {
		if strings.HasPrefix(lower, s+"://") {
			return s, true
		}
	}
	return "", false
}

// StripProxyRemark returns the canonical, remark-free form of uri (spec
// §4.E). Idempotent: StripProxyRemark(StripProxyRemark(u)) == StripProxyRemark(u).
func StripProxyRemark(uri string) string {
	if strings.HasPrefix(strings.ToLower(uri), vmessScheme) {
		return stripVmessRemark(uri)
	}
	if idx := strings.IndexByte(uri, '#'); idx >= 0 {
		return uri[:idx]
	}
	return uri
}

// AddCleanRemark re-tags uri with a stable "<scheme>-<N>" label, N being the
// post-increment value of counter[scheme] (spec §4.E).
func AddCleanRemark(uri string, counter map[string]int) string {
	scheme, ok := SchemeOf(uri)
	if !ok {
		return uri
	}
	counter[scheme]++
	tag := fmt.Sprintf("%s-%d", scheme, counter[scheme])

	if scheme == "vmess" {
		return addVmessRemark(uri, tag)
	}
	base := uri
	if idx := strings.IndexByte(base, '#'); idx >= 0 {
		base = base[:idx]
	}
	return base + "#" + tag
}

// ExtractProxyURIs finds every substring of text that looks like one of the
// recognized scheme URIs (spec §4.E). Used to lift URIs embedded in prose.
func ExtractProxyURIs(text string) []string {
	return extractPattern.FindAllString(text, -1)
}

// vmessPayload holds the fields we round-trip through a vmess inner JSON
// object without needing to understand the full schema.
type vmessPayload map[string]any

func stripVmessRemark(uri string) string {
	payload, ok := decodeVmessJSON(uri)
	if !ok {
		return uri
	}
	delete(payload, "ps")
	return encodeVmessJSON(payload)
}

func addVmessRemark(uri, tag string) string {
	payload, ok := decodeVmessJSON(uri)
	if !ok {
		return uri
	}
	payload["ps"] = tag
	return encodeVmessJSON(payload)
}

// decodeVmessJSON base64-decodes and JSON-parses the body of a vmess://
// URI, tolerating missing padding and the URL-safe alphabet (spec §4.E).
func decodeVmessJSON(uri string) (vmessPayload, bool) {
	body := uri[len(vmessScheme):]
	raw, ok := decodeFlexibleBase64(body)
	if !ok {
		return nil, false
	}
	var payload vmessPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return payload, true
}

// encodeVmessJSON serializes payload with sorted keys and no whitespace
// (spec §4.E: "re-encode as JSON with keys sorted and no whitespace") —
// encoding/json already emits map[string]any keys in sorted order and
// without whitespace — then base64-encodes and re-prefixes it.
func encodeVmessJSON(payload vmessPayload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return vmessScheme
	}
	return vmessScheme + base64.StdEncoding.EncodeToString(raw)
}

// decodeFlexibleBase64 tries standard, URL-safe, and unpadded variants of
// base64, in that order, returning the first that decodes successfully.
func decodeFlexibleBase64(s string) ([]byte, bool) {
	normalized := strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(normalized); err == nil {
			return data, true
		}
	}
	return nil, false
}
