package proxyuri

import (
	"net/url"
	"strconv"
	"strings"
)

// Entry is the per-URI structured decode emitted into fmt.decoded.json
// (spec §4.K).
type Entry struct {
	URI      string         `json:"uri"`
	Protocol string         `json:"protocol"`
	Host     string         `json:"host,omitempty"`
	Port     int            `json:"port,omitempty"`
	UserInfo string         `json:"user_info,omitempty"`
	Tag      string         `json:"tag,omitempty"`
	Decoded  map[string]any `json:"decoded,omitempty"`
}

// Decode produces the structured decode for one proxy URI: protocol, host,
// port, user info, fragment tag, and protocol-specific inner structure
// (vmess JSON, ss SIP002 vs. legacy, ssr composite base64), falling back to
// a standard-URI parse for everything else (spec §4.K).
func Decode(uri string) Entry {
	scheme, ok := SchemeOf(uri)
	if !ok {
		return Entry{URI: uri, Protocol: "unknown"}
	}

	entry := Entry{URI: uri, Protocol: scheme}

	switch scheme {
	case "vmess":
		if payload, ok := decodeVmessJSON(uri); ok {
			entry.Decoded = payload
			if ps, ok := payload["ps"].(string); ok {
				entry.Tag = ps
			}
			if add, ok := payload["add"].(string); ok {
				entry.Host = add
			}
			if port, ok := numericField(payload["port"]); ok {
				entry.Port = port
			}
		}
		return entry
	case "ss":
		decodeShadowsocks(uri, &entry)
		return entry
	case "ssr":
		decodeShadowsocksR(uri, &entry)
		return entry
	default:
		decodeStandardURI(uri, &entry)
		return entry
	}
}

func numericField(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, true
		}
	}
	return 0, false
}

// decodeStandardURI handles every scheme whose wire form is a regular
// URI (vless, trojan, hysteria2, tuic, wireguard, socks, ...).
func decodeStandardURI(uri string, entry *Entry) {
	u, err := url.Parse(uri)
	if err != nil {
		return
	}
	entry.Host = u.Hostname()
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			entry.Port = port
		}
	}
	if u.User != nil {
		entry.UserInfo = u.User.String()
	}
	entry.Tag = u.Fragment
}

// decodeShadowsocks distinguishes SIP002 (ss://method:pass@host:port or
// base64 userinfo) from legacy (ss://base64(method:pass@host:port)).
func decodeShadowsocks(uri string, entry *Entry) {
	rest := uri[len("ss://"):]
	fragment := ""
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		fragment = rest[idx+1:]
		rest = rest[:idx]
	}
	entry.Tag = fragment

	if strings.Contains(rest, "@") {
		// SIP002: method:pass may be base64-encoded in the userinfo segment.
		at := strings.LastIndex(rest, "@")
		userinfo, hostport := rest[:at], rest[at+1:]
		if decoded, ok := decodeFlexibleBase64(userinfo); ok {
			userinfo = string(decoded)
		}
		entry.UserInfo = userinfo
		host, port := splitHostPort(hostport)
		entry.Host = host
		entry.Port = port
		entry.Decoded = map[string]any{"variant": "sip002", "userinfo": userinfo}
		return
	}

	// Legacy: the entire method:pass@host:port is base64-encoded.
	if decoded, ok := decodeFlexibleBase64(rest); ok {
		inner := string(decoded)
		at := strings.LastIndex(inner, "@")
		if at >= 0 {
			entry.UserInfo = inner[:at]
			host, port := splitHostPort(inner[at+1:])
			entry.Host = host
			entry.Port = port
		}
		entry.Decoded = map[string]any{"variant": "legacy", "inner": inner}
	}
}

// decodeShadowsocksR base64-decodes the whole body, drops everything from the
// first "/" (the params), and reads server:port:protocol:method:obfs:... from
// the ":"-separated remainder.
func decodeShadowsocksR(uri string, entry *Entry) {
	rest := uri[len("ssr://"):]
	decoded, ok := decodeFlexibleBase64(rest)
	if !ok {
		return
	}
	parts := strings.SplitN(string(decoded), "/", 2)
	main := strings.Split(parts[0], ":")
	if len(main) >= 6 {
		entry.Host = main[0]
		if port, err := strconv.Atoi(main[1]); err == nil {
			entry.Port = port
		}
		entry.Decoded = map[string]any{
			"protocol": main[2],
			"method":   main[3],
			"obfs":     main[4],
		}
	}
}

func splitHostPort(hostport string) (string, int) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, 0
	}
	host := hostport[:idx]
	port, err := strconv.Atoi(hostport[idx+1:])
	if err != nil {
		return hostport, 0
	}
	return host, port
}
