package fetcher

import (
	"crypto/tls"
	"net/http"
)

// insecureTransport builds a transport that skips TLS certificate
// verification, for the explicit, opt-in AllowInvalidSSLCertificates
// option. Never used by default.
func insecureTransport() http.RoundTripper {
	return &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // explicit opt-in only
	}
}
