package registration

import (
	"net/url"
	"strings"
	"unicode"
)

// IsLocalURL reports whether raw is a same-origin relative path that is safe
// to redirect to after login or logout.
func IsLocalURL(raw string) bool {
	if raw == "" || raw[0] != '/' {
		return false
	}
	if len(raw) > 1 && (raw[1] == '/' || raw[1] == '\\') {
		return false
	}
	return !hasControlChars(raw)
}

// IsAbsoluteURL reports whether raw is an absolute http(s) URL. When
// requireHTTPS is set only the https scheme is accepted.
func IsAbsoluteURL(raw string, requireHTTPS bool) bool {
	_, ok := parseAbsolute(raw, requireHTTPS)
	return ok
}

// IsAbsoluteURLWithPathOnly is IsAbsoluteURL without query or fragment.
func IsAbsoluteURLWithPathOnly(raw string, requireHTTPS bool) bool {
	u, ok := parseAbsolute(raw, requireHTTPS)
	if !ok {
		return false
	}
	return u.RawQuery == "" && !u.ForceQuery && u.Fragment == "" && !strings.Contains(raw, "#")
}

// JoinURL joins base and the given segments with single slashes.
func JoinURL(base string, segments ...string) string {
	out := strings.TrimRight(base, "/")
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s == "" {
			continue
		}
		out += "/" + s
	}
	return out
}

func parseAbsolute(raw string, requireHTTPS bool) (*url.URL, bool) {
	if raw == "" || hasControlChars(raw) || strings.ContainsAny(raw, " \t") {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if requireHTTPS {
			return nil, false
		}
	default:
		return nil, false
	}
	return u, true
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// SameIssuer compares issuer identifiers ignoring case and trailing slashes.
func SameIssuer(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(b, "/"))
}
