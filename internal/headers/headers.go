// Package headers prepares inbound headers for forwarding and for storage.
package headers

import (
	"net/http"
	"strings"
)

// hopByHop lists headers that only apply to a single connection.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

const (
	ForwardedFor   = "X-Forwarded-For"
	ForwardedHost  = "X-Forwarded-Host"
	ForwardedProto = "X-Forwarded-Proto"
)

// IsHopByHop reports whether name is on the hop-by-hop denylist, ignoring case.
func IsHopByHop(name string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// Sanitize returns the outbound header set for a forwarded request. The
// input is not modified.
func Sanitize(in http.Header, host string, secure bool) http.Header {
	out := StripHopByHop(in)

	xff := ""
	for k, v := range in {
		if strings.EqualFold(k, ForwardedFor) && len(v) > 0 {
			xff = v[0]
			break
		}
	}
	if xff == "" {
		xff = "unknown"
	}

	set(out, ForwardedFor, xff)
	set(out, ForwardedHost, host)
	if secure {
		set(out, ForwardedProto, "https")
	} else {
		set(out, ForwardedProto, "http")
	}
	return out
}

// StripHopByHop returns a deep copy of h without hop-by-hop headers.
func StripHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h)+3)
	for k, v := range h {
		if IsHopByHop(k) {
			continue
		}
		copied := make([]string, len(v))
		copy(copied, v)
		out[k] = copied
	}
	return out
}

// set replaces every spelling of key with a single canonical entry.
func set(h http.Header, key, value string) {
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
	h[http.CanonicalHeaderKey(key)] = []string{value}
}

// Flatten collapses h into lower-cased names with values joined by ", ".
func Flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		lk := strings.ToLower(k)
		if prev, ok := out[lk]; ok {
			out[lk] = prev + ", " + strings.Join(v, ", ")
			continue
		}
		out[lk] = strings.Join(v, ", ")
	}
	return out
}

// Scheme returns the inbound scheme of r without a trailing colon.
func Scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
