// Package formatid declares the closed universe of format identifiers the
// Aggregator understands (spec §4.D, §4.F, §4.G). It has no dependencies so
// that the State Repository, the Format Router, and the Format Handler
// Registry can all reference format identifiers without import cycles.
package formatid

// Text-line formats: one proxy-ish line per record.
const (
	NPVT      = "npvt"
	NPVTSub   = "npvtsub"
	ConfLines = "conf_lines"
)

// Opaque-binary bundle formats: the whole blob is one record, reassembled
// into a ZIP at build time.
const (
	Ovpn         = "ovpn"
	Npv4         = "npv4"
	Ehi          = "ehi"
	Hc           = "hc"
	Hat          = "hat"
	Sip          = "sip"
	Nm           = "nm"
	Dark         = "dark"
	OpaqueBundle = "opaque_bundle"
)

// All is the closed set of every registered format id.
var All = []string{NPVT, NPVTSub, ConfLines, Ovpn, Npv4, Ehi, Hc, Hat, Sip, Nm, Dark, OpaqueBundle}

// BundleFormats is the blob-dependent family: records of these types
// reference the Raw Blob Store by hash at build time (spec glossary,
// "blob-dependent format").
var BundleFormats = []string{Ovpn, Npv4, Ehi, Hc, Hat, Sip, Nm, Dark, OpaqueBundle}

// TextFormats stores its payload inline in data_json and tolerates a
// missing blob at build time.
var TextFormats = []string{NPVT, NPVTSub, ConfLines}

// IsBundleFormat reports whether id is one of the blob-dependent formats.
func IsBundleFormat(id string) bool {
	for _, f := range BundleFormats {
		if f == id {
			return true
		}
	}
	return false
}

// extensionFormats maps a lower-cased filename suffix directly to a format
// id (spec §4.G rule 1).
var extensionFormats = map[string]string{
	".ovpn":    Ovpn,
	".npv4":    Npv4,
	".conf":    ConfLines,
	".ehi":     Ehi,
	".hc":      Hc,
	".hat":     Hat,
	".sip":     Sip,
	".nm":      Nm,
	".dark":    Dark,
	".npvtsub": NPVTSub,
}

// FormatForExtension returns the format id registered for a lower-cased
// filename extension (including the leading dot), and whether one exists.
func FormatForExtension(ext string) (string, bool) {
	id, ok := extensionFormats[ext]
	return id, ok
}
