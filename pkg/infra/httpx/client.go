package httpx

import "net/http"

// Client is the transport seam the rate-limited wrapper sits on. *http.Client
// satisfies it, FastHTTPClient satisfies it, and tests swap in a mock.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientFunc adapts a plain function to the Client interface.
type ClientFunc func(req *http.Request) (*http.Response, error)

func (f ClientFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}
