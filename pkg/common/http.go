package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the embedded release version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper by stamping the user-agent on a
// clone of the request.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

func newTransport() http.RoundTripper {
	return &userAgentTransport{
		transport: http.DefaultTransport,
		userAgent: "Yutampo/" + Version(),
	}
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: newTransport(),
		Timeout:   timeout,
	}
}

// SessionClient returns an http client that stores cookies in jar and never
// follows redirects. Callers receive the 3xx response and decide themselves
// what the redirect means.
func SessionClient(timeout time.Duration, jar http.CookieJar) *http.Client {
	return &http.Client{
		Transport: newTransport(),
		Timeout:   timeout,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
