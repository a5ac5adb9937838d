// Package formats implements the Format Handlers (spec §4.F): text-line
// handlers for npvt/npvtsub/conf_lines, and the parametric opaque-bundle
// handler for the proprietary binary container formats.
package formats

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/riftlabs/proxyagg/internal/formatid"
	"github.com/riftlabs/proxyagg/internal/proxyuri"
	"github.com/riftlabs/proxyagg/internal/registry"
)

// textHandler implements npvt, npvtsub, and conf_lines (spec §4.F). npvt
// and npvtsub behave identically. conf_lines is the simple degenerate case:
// no bare-base64 decoding and no scanning of non-scheme lines for embedded
// URIs.
type textHandler struct {
	id          string
	extractURIs bool
}

// NewTextHandlers constructs the three text-line handlers.
func NewTextHandlers() []registry.Handler {
	return []registry.Handler{
		textHandler{id: formatid.NPVT, extractURIs: true},
		textHandler{id: formatid.NPVTSub, extractURIs: true},
		textHandler{id: formatid.ConfLines, extractURIs: false},
	}
}

func (h textHandler) FormatID() string { return h.id }

func (h textHandler) Parse(data []byte, ctx registry.ParseContext) ([]registry.ParsedRecord, error) {
	text := decodeUTF8Lenient(data)

	if h.id != formatid.ConfLines && looksLikeBareBase64(text) {
		if decoded, ok := decodeBase64ContainingScheme(text); ok {
			text = decoded
		}
	}

	seen := make(map[string]bool)
	var records []registry.ParsedRecord

	addLine := func(line string) {
		if seen[line] {
			return
		}
		seen[line] = true
		hash := sha256.Sum256([]byte(line))
		records = append(records, registry.ParsedRecord{
			UniqueHash: hex.EncodeToString(hash[:]),
			Data:       map[string]any{"line": line},
		})
	}

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(norm.NFKC.String(rawLine))
		if line == "" {
			continue
		}

		if h.id == formatid.ConfLines {
			if strings.HasPrefix(line, "#") {
				continue
			}
			addLine(line)
			continue
		}

		if _, ok := proxyuri.SchemeOf(line); ok {
			addLine(proxyuri.StripProxyRemark(line))
			continue
		}

		if h.extractURIs {
			for _, uri := range proxyuri.ExtractProxyURIs(line) {
				addLine(proxyuri.StripProxyRemark(uri))
			}
		}
	}

	return records, nil
}

func (h textHandler) Build(records []registry.BuildRecord) ([]byte, error) {
	seen := make(map[string]bool)
	var ordered []string

	for _, rec := range records {
		line, ok := extractLine(rec.Data)
		if !ok {
			continue
		}
		canonical := line
		if _, ok := proxyuri.SchemeOf(line); ok {
			canonical = proxyuri.StripProxyRemark(line)
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		ordered = append(ordered, canonical)
	}

	counter := make(map[string]int)
	tagged := make([]string, 0, len(ordered))
	for _, uri := range ordered {
		if _, ok := proxyuri.SchemeOf(uri); ok {
			tagged = append(tagged, proxyuri.AddCleanRemark(uri, counter))
		} else {
			tagged = append(tagged, uri)
		}
	}

	return []byte(strings.Join(tagged, "\n")), nil
}

// extractLine pulls the "line" field out of a build record's data map,
// accommodating both {data: {line}} and {line} shapes (spec §4.F).
func extractLine(data map[string]any) (string, bool) {
	if line, ok := data["line"].(string); ok {
		return line, true
	}
	if nested, ok := data["data"].(map[string]any); ok {
		if line, ok := nested["line"].(string); ok {
			return line, true
		}
	}
	return "", false
}

// decodeUTF8Lenient decodes data as UTF-8, dropping invalid byte sequences
// rather than failing (spec §4.F: "ignore invalid sequences").
func decodeUTF8Lenient(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	b.Grow(len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r != utf8.RuneError || size != 1 {
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

// looksLikeBareBase64 reports whether text is a plausible whole-blob
// base64 subscription payload (spec §4.F rule 2): no "://", no
// whitespace, length > 10.
func looksLikeBareBase64(text string) bool {
	trimmed := strings.TrimSpace(text)
	return len(trimmed) > 10 && !strings.Contains(trimmed, "://") && !strings.ContainsAny(trimmed, " \t\r\n")
}

// decodeBase64ContainingScheme attempts a URL-safe base64 decode of text
// and accepts the result only if it contains a recognized scheme (spec
// §4.F rule 2).
func decodeBase64ContainingScheme(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding, base64.RawURLEncoding,
		base64.StdEncoding, base64.RawStdEncoding,
	} {
		decoded, err := enc.DecodeString(trimmed)
		if err != nil {
			continue
		}
		candidate := decodeUTF8Lenient(decoded)
		if containsRecognizedScheme(candidate) {
			return candidate, true
		}
	}
	return "", false
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
