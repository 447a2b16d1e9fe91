package netutils

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// NewClient returns the http.Client used between portal, bourreaux and the CLI.
// Control traffic normally rides an SSH tunnel to localhost, so self-signed
// certificates are accepted when insecure is set.
func NewClient(timeout time.Duration, insecure bool) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: insecure},
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// DefaultClient has no overall timeout; callers bound requests with a context.
var DefaultClient = NewClient(0, true)
