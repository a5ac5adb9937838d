// Package router implements the Format Router (spec §4.G): deciding a
// format identifier from a filename's extension and, failing that, from
// the content itself.
package router

import (
	"path/filepath"
	"strings"

	"github.com/riftlabs/proxyagg/internal/formatid"
	"github.com/riftlabs/proxyagg/internal/proxyuri"
)

const (
	contentSniffWindow = 2048
	base64SniffWindow  = 512
	minBase64Length    = 20
)

// DecideFormat dispatches filename and the leading bytes of its content to
// a format_id using the extension, content-sniffing, and base64-fallback
// rules of spec §4.G, in that order.
func DecideFormat(filename string, content []byte) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if id, ok := formatid.FormatForExtension(ext); ok {
		return id
	}

	head := content
	if len(head) > contentSniffWindow {
		head = head[:contentSniffWindow]
	}
	if containsRecognizedScheme(decodeUTF8Ignoring(head)) {
		return formatid.NPVT
	}

	sniff := content
	if len(sniff) > base64SniffWindow {
		sniff = sniff[:base64SniffWindow]
	}
	trimmed := strings.TrimSpace(decodeUTF8Ignoring(sniff))
	if looksLikeBase64(trimmed) {
		if decoded, ok := decodeAnyBase64(trimmed); ok && containsRecognizedScheme(decoded) {
			return formatid.NPVT
		}
	}

	return formatid.OpaqueBundle
}

func containsRecognizedScheme(text string) bool {
	lower := strings.ToLower(text)
	for _, scheme := range proxyuri.Schemes {
		if strings.Contains(lower, scheme+"://") {
			return true
		}
	}
	return false
}

// looksLikeBase64 mirrors spec §4.G rule 3: no "://", no whitespace,
// length > 20.
func looksLikeBase64(text string) bool {
	return len(text) > minBase64Length && !strings.Contains(text, "://") && !strings.ContainsAny(text, " \t\r\n")
}
