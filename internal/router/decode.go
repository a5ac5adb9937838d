package router

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// decodeUTF8Ignoring decodes data as UTF-8, dropping invalid sequences
// (spec §4.G step 2: "decode ... ignore errors").
func decodeUTF8Ignoring(data []byte) string {
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

// decodeAnyBase64 tries standard, URL-safe, and unpadded base64 variants.
func decodeAnyBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(s); err == nil {
			return decodeUTF8Ignoring(decoded), true
		}
	}
	return "", false
}
