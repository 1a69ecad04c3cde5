package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrBodyTooLarge indicates a payload exceeded the configured read limit.
var ErrBodyTooLarge = errors.New("payload too large")

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Status, e.URL)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: timeout,
			DisableKeepAlives:     true,
		},
	}
}

// ValidateHTTPURL ensures raw parses as HTTP(S) with a host and no userinfo.
// Credentials travel in the endpoint's username and password instead.
func ValidateHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL host is required")
	}
	if u.User != nil {
		return nil, fmt.Errorf("URL userinfo is not allowed")
	}
	return u, nil
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, limit)
	}
	return data, nil
}

func (c *Client) httpRequest(ctx context.Context, ep Endpoint, method string) (*http.Response, error) {
	u, err := ValidateHTTPURL(ep.URL)
	if err != nil {
		return nil, newError(KindTransport, ProtocolHTTP, "request", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, newError(KindTransport, ProtocolHTTP, "request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if ep.Username != "" {
		req.SetBasicAuth(ep.Username, ep.Password)
	}

	resp, err := newHTTPClient(ep.timeout()).Do(req)
	if err != nil {
		return nil, newError(classifyNetError(err), ProtocolHTTP, "request", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: u.Redacted()}
		kind := KindTransport
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusProxyAuthRequired:
			kind = KindAuth
		case http.StatusNotFound, http.StatusGone:
			kind = KindNotFound
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			kind = KindTimeout
		}
		return nil, newError(kind, ProtocolHTTP, "request", httpErr)
	}
	return resp, nil
}

func (c *Client) fetchHTTP(ctx context.Context, ep Endpoint) ([]byte, error) {
	resp, err := c.httpRequest(ctx, ep, http.MethodGet)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.maxBytes {
		return nil, newError(KindTransport, ProtocolHTTP, "read", fmt.Errorf("%w: server reports %d bytes", ErrBodyTooLarge, resp.ContentLength))
	}
	data, err := readAllWithLimit(resp.Body, c.maxBytes)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, newError(KindTransport, ProtocolHTTP, "read", err)
		}
		return nil, newError(classifyNetError(err), ProtocolHTTP, "read", err)
	}
	return data, nil
}

// probeHTTP sends HEAD; servers that refuse HEAD get a GET whose body is
// discarded unread.
func (c *Client) probeHTTP(ctx context.Context, ep Endpoint) error {
	resp, err := c.httpRequest(ctx, ep, http.MethodHead)
	if err != nil {
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusMethodNotAllowed {
			return err
		}
		resp, err = c.httpRequest(ctx, ep, http.MethodGet)
		if err != nil {
			return err
		}
	}
	return resp.Body.Close()
}
