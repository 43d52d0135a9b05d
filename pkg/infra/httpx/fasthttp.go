package httpx

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	DefaultTimeout             = 30 * time.Second
	DefaultMaxConnsPerHost     = 128
	DefaultMaxIdleConnDuration = 10 * time.Second
	DefaultMaxResponseBodySize = 10 * 1024 * 1024 // 10MB
)

// FastHTTPClientOptions tunes the fasthttp transport. Timeout is the fallback
// for ReadTimeout and WriteTimeout when those are unset.
type FastHTTPClientOptions struct {
	Timeout             time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	InsecureSkipVerify  bool
	MaxConnsPerHost     int
	MaxIdleConnDuration time.Duration
	MaxResponseBodySize int
	UserAgent           string
}

type FastHTTPClientOption func(*FastHTTPClientOptions)

// WithTimeout sets the overall request timeout.
func WithTimeout(timeout time.Duration) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.Timeout = timeout
	}
}

// WithReadTimeout sets the read timeout.
func WithReadTimeout(timeout time.Duration) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets the write timeout.
func WithWriteTimeout(timeout time.Duration) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.WriteTimeout = timeout
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify(skip bool) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.InsecureSkipVerify = skip
	}
}

// WithMaxConnsPerHost caps concurrent connections per host.
func WithMaxConnsPerHost(max int) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.MaxConnsPerHost = max
	}
}

// WithMaxIdleConnDuration caps how long idle connections are kept open.
func WithMaxIdleConnDuration(duration time.Duration) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.MaxIdleConnDuration = duration
	}
}

// WithMaxResponseBodySize caps the response body size read into memory.
func WithMaxResponseBodySize(size int) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.MaxResponseBodySize = size
	}
}

// WithUserAgent sets the User-Agent sent when the request carries none.
func WithUserAgent(userAgent string) FastHTTPClientOption {
	return func(o *FastHTTPClientOptions) {
		o.UserAgent = userAgent
	}
}

// FastHTTPClient executes net/http requests over a fasthttp transport.
type FastHTTPClient struct {
	client    *fasthttp.Client
	userAgent string
}

// NewFastHTTPClient creates a FastHTTPClient, applying defaults for anything
// the options leave unset.
func NewFastHTTPClient(opts ...FastHTTPClientOption) Client {
	options := &FastHTTPClientOptions{
		Timeout:             DefaultTimeout,
		MaxConnsPerHost:     DefaultMaxConnsPerHost,
		MaxIdleConnDuration: DefaultMaxIdleConnDuration,
		MaxResponseBodySize: DefaultMaxResponseBodySize,
	}

	for _, opt := range opts {
		opt(options)
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:     options.MaxConnsPerHost,
		MaxIdleConnDuration: options.MaxIdleConnDuration,
		MaxResponseBodySize: options.MaxResponseBodySize,
	}

	if options.ReadTimeout > 0 {
		client.ReadTimeout = options.ReadTimeout
	} else if options.Timeout > 0 {
		client.ReadTimeout = options.Timeout
	}

	if options.WriteTimeout > 0 {
		client.WriteTimeout = options.WriteTimeout
	} else if options.Timeout > 0 {
		client.WriteTimeout = options.Timeout
	}

	if options.InsecureSkipVerify {
		client.TLSConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // intentionally configurable
		}
	}

	return &FastHTTPClient{
		client:    client,
		userAgent: options.UserAgent,
	}
}

// Do executes the request and converts the result back to a *http.Response.
// A deadline on the request context bounds the round trip.
func (c *FastHTTPClient) Do(req *http.Request) (*http.Response, error) {
	fastReq := fasthttp.AcquireRequest()
	fastResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(fastReq)
	defer fasthttp.ReleaseResponse(fastResp)

	if err := c.fillRequest(fastReq, req); err != nil {
		return nil, err
	}

	var err error
	if deadline, ok := req.Context().Deadline(); ok {
		err = c.client.DoDeadline(fastReq, fastResp, deadline)
	} else {
		err = c.client.Do(fastReq, fastResp)
	}
	if err != nil {
		return nil, err
	}

	return convertResponse(fastResp, req), nil
}

func (c *FastHTTPClient) fillRequest(dst *fasthttp.Request, src *http.Request) error {
	if src.URL != nil {
		dst.SetRequestURI(src.URL.String())
	}
	dst.Header.SetMethod(src.Method)

	// Host header first, so request headers may still override it
	switch {
	case src.Host != "":
		dst.Header.SetHost(src.Host)
	case src.URL != nil && src.URL.Host != "":
		dst.Header.SetHost(src.URL.Host)
	}

	for key, values := range src.Header {
		for _, value := range values {
			dst.Header.Add(key, value)
		}
	}
	if c.userAgent != "" && src.Header.Get("User-Agent") == "" {
		dst.Header.Set("User-Agent", c.userAgent)
	}

	if src.Body == nil {
		return nil
	}
	body, err := io.ReadAll(src.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	_ = src.Body.Close()
	dst.SetBodyRaw(body)
	return nil
}

// convertResponse copies everything out of src, which aliases pooled buffers
// that are recycled once the response is released.
func convertResponse(src *fasthttp.Response, req *http.Request) *http.Response {
	body := append([]byte(nil), src.Body()...)

	headers := make(http.Header)
	src.Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})

	status := src.StatusCode()
	contentLength := int64(len(body))
	if cl := src.Header.ContentLength(); cl >= 0 {
		contentLength = int64(cl)
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: contentLength,
		Request:       req,
	}
}
