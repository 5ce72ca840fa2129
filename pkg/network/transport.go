package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	// ErrHostHeader is returned when a caller tries to set the Host header.
	ErrHostHeader = errors.New("network: the Host header cannot be set by callers")
	// ErrEmptyURI is returned for a request without a target.
	ErrEmptyURI = errors.New("network: request uri must not be empty")
)

// Request is a byte level HTTP request.
type Request struct {
	Method      string
	URI         string
	Header      map[string]string
	Body        []byte
	ContentType string
}

// Reply is a fully read HTTP response.
type Reply struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs a request. Implementations honour ctx for cancellation
// and timeouts and return an error only when no HTTP status was obtained.
type Transport interface {
	Do(ctx context.Context, req Request) (*Reply, error)
}

// HTTPTransport adapts an *http.Client to Transport.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport wraps client; nil selects a default client.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = NewClient(ClientConfig{})
	}
	return &HTTPTransport{client: client}
}

func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Reply, error) {
	if req.URI == "" {
		return nil, ErrEmptyURI
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URI, body)
	if err != nil {
		return nil, fmt.Errorf("network: build request: %w", err)
	}
	if err := applyHeaders(httpReq, req.Header); err != nil {
		return nil, err
	}
	if req.ContentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("network: read body: %w", err)
	}
	return &Reply{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func applyHeaders(req *http.Request, headers map[string]string) error {
	for k, v := range headers {
		if strings.EqualFold(k, "Host") {
			return ErrHostHeader
		}
		req.Header.Set(k, v)
	}
	return nil
}

// IsConnectivity reports whether err means the origin was never reached.
func IsConnectivity(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsTimeout reports whether err is a deadline or cancellation.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ClientConfig tunes the shared HTTP client.
type ClientConfig struct {
	// Timeout is a hard ceiling per request; callers normally bound requests
	// through the context instead.
	Timeout time.Duration
	OAuth2  *clientcredentials.Config
}

// NewClient builds the HTTP client used for every origin. With OAuth2 set
// the client attaches client-credentials bearer tokens.
func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	base := &http.Client{Transport: transport, Timeout: cfg.Timeout}
	if cfg.OAuth2 == nil {
		return base
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cfg.OAuth2.Client(ctx)
	client.Timeout = cfg.Timeout
	return client
}

// StatusForError maps a transport error to a sentinel or timeout status.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrHostHeader), errors.Is(err, ErrEmptyURI):
		return StatusLocalException
	case IsTimeout(err):
		return http.StatusRequestTimeout
	default:
		return StatusNoResponse
	}
}
