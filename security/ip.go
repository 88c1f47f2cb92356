package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the originating client address of a request.
//
// With trustProxy off the TCP peer address is authoritative and forwarding
// headers are ignored: anyone can send X-Forwarded-For, and honoring it
// from an untrusted peer would let callers pick their own rate-limit
// identity and forge audit rows. With trustProxy on, trustedProxyCount says
// how many rightmost X-Forwarded-For entries were appended by proxies we
// operate; the entry just left of those is the client. X-Real-IP is the
// fallback when no usable X-Forwarded-For is present.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedClientIP picks the client entry out of an X-Forwarded-For list.
// The header reads "client, proxy1, proxy2, ..." with our own tier
// rightmost, so the client sits trustedProxyCount entries from the end.
// A count of 0 is treated as 1 (a single reverse proxy is the normal
// deployment); a list shorter than the proxy count yields the leftmost
// entry. Anything that doesn't parse as an IP is discarded.
func forwardedClientIP(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	entries := strings.Split(xff, ",")
	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	i := len(entries) - proxies - 1
	if i < 0 {
		i = 0
	}

	ip := strings.TrimSpace(entries[i])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
