// Package asset encodes upstream Grok image/video asset URLs into opaque
// proxy path segments, so the image-proxy collaborator can serve bytes
// without ever exposing the upstream URL to the client.
package asset

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// Encode opaquely encodes a raw asset URL. Absolute URLs are wrapped with a
// "u_" prefix over the full URL; anything else is treated as a path and
// wrapped with "p_", gaining a leading slash if it lacks one.
func Encode(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return "u_" + base64URLNoPad(raw)
	}
	path := raw
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "p_" + base64URLNoPad(path)
}

func base64URLNoPad(s string) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(s)), "=")
}

// Normalize filters a list of candidate asset URLs down to the ones worth
// encoding: drops non-strings (callers pre-filter those), empty/whitespace
// entries, bare "/" and absolute URLs whose path is "/" with no query or
// fragment (i.e. URLs that point at nothing in particular).
func Normalize(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || trimmed == "/" {
			continue
		}
		if u, err := url.Parse(trimmed); err == nil && u.IsAbs() {
			if (u.Path == "" || u.Path == "/") && u.RawQuery == "" && u.Fragment == "" {
				continue
			}
		}
		out = append(out, trimmed)
	}
	return out
}
