package utils

import (
	"net/http"
	"time"
)

const (
	UserAgent = "Tilawah/1.0 (+https://github.com/marcus-crane/tilawah)"
)

// UARoundtripper sets the User-Agent header. A nil RT uses whatever
// http.DefaultTransport is at request time.
type UARoundtripper struct {
	RT http.RoundTripper
}

func (uart *UARoundtripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", UserAgent)
	rt := uart.RT
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}

// NewHTTPClient returns a client that identifies itself with UserAgent. A zero
// timeout means no timeout; audio files can take a while on slow links.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &UARoundtripper{},
	}
}
