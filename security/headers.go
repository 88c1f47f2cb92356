package security

import (
	"net/http"
	"net/url"
)

// CSP values for the two kinds of responses this server produces. JSON
// endpoints load nothing. The consent and error pages carry inline styles
// and the consent form posts back to this server, so their policy admits
// exactly that and nothing else.
const (
	cspAPI  = "default-src 'none'; frame-ancestors 'none'"
	cspPage = "default-src 'none'; style-src 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'"
)

// SetSecurityHeaders sets the response headers every endpoint carries:
// clickjacking and MIME-sniffing protection, a deny-all CSP, no referrer
// leakage, and no caching of responses that may hold token material.
// HSTS is added only when the issuer is served over HTTPS, so development
// setups on plain HTTP stay usable.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	setBaseSecurityHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", cspAPI)
}

// SetPageSecurityHeaders is the variant for rendered HTML (the consent and
// error pages): same baseline, looser CSP.
func SetPageSecurityHeaders(w http.ResponseWriter, issuer string) {
	setBaseSecurityHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", cspPage)
}

func setBaseSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")

	if u, err := url.Parse(issuer); err == nil && u.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
