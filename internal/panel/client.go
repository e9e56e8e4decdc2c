package panel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

var (
	// ErrAuthFailed is returned when the panel rejects the credentials
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInvalidURL is returned for panel URLs without an http(s) scheme or host
	ErrInvalidURL = errors.New("panel URL must start with http:// or https://")
)

// inboundListPaths are tried in order; older panels expose the list under
// different prefixes
var inboundListPaths = []string{
	"/panel/api/inbounds/list",
	"/panel/inbounds/list",
	"/xui/inbounds/list",
}

// API is the subset of the 3x-ui management API used by the balancer
type API interface {
	Login(ctx context.Context) error
	ListInbounds(ctx context.Context) ([]Inbound, error)
	ServerStatus(ctx context.Context) (*ServerStatus, error)
}

// Options configures panel HTTP clients
type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool

	// transport is shared by every client of a Factory
	transport *http.Transport
}

// newTransport returns a pooled transport for panel requests
func newTransport(insecureSkipVerify bool) *http.Transport {
	transport := cleanhttp.DefaultPooledTransport()
	if insecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed panel certificates
	}
	return transport
}

// Client talks to one 3x-ui panel. The session cookie obtained by Login is
// kept in the client's own cookie jar.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New creates a panel client. baseURL is normalized with NormalizeURL.
func New(baseURL, username, password string, opts Options) (*Client, error) {
	normalized, err := NormalizeURL(baseURL)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	transport := opts.transport
	if transport == nil {
		transport = newTransport(opts.InsecureSkipVerify)
	}

	return &Client{
		baseURL:  normalized,
		username: username,
		password: password,
		http: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   opts.Timeout,
		},
	}, nil
}

// NormalizeURL validates a panel URL and strips trailing slashes
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", ErrInvalidURL
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", ErrInvalidURL
	}

	return strings.TrimRight(raw, "/"), nil
}

// BaseURL returns the normalized panel URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// envelope is the common 3x-ui response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// Login authenticates against the panel and stores the session cookie
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/login", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrAuthFailed, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		// panels without the JSON API answer with a bare cookie
		if len(resp.Cookies()) > 0 {
			return nil
		}
		return fmt.Errorf("%w: response is not JSON", ErrAuthFailed)
	}

	if !env.Success {
		return fmt.Errorf("%w: %s", ErrAuthFailed, env.Msg)
	}

	return nil
}

// ListInbounds returns all inbounds configured on the panel
func (c *Client) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var lastErr error

	for _, path := range inboundListPaths {
		var inbounds []Inbound
		err := c.call(ctx, http.MethodGet, path, &inbounds)
		if err == nil {
			return inbounds, nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			lastErr = err
			continue
		}

		return nil, err
	}

	return nil, fmt.Errorf("failed to list inbounds: %w", lastErr)
}

// ServerStatus returns panel host metrics
func (c *Client) ServerStatus(ctx context.Context) (*ServerStatus, error) {
	var status ServerStatus
	if err := c.call(ctx, http.MethodPost, "/panel/api/server/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StatusError is returned for non-200 panel responses
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("panel request %s returned status %d", e.Path, e.Code)
}

// call performs a request and decodes the envelope obj into out
func (c *Client) call(ctx context.Context, method, path string, out any) error {
	resp, err := c.do(ctx, method, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Path: path, Code: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}

	if !env.Success {
		return fmt.Errorf("panel request %s failed: %s", path, env.Msg)
	}

	if out == nil || len(env.Obj) == 0 || string(env.Obj) == "null" {
		return nil
	}

	if err := json.Unmarshal(env.Obj, out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", path, err)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("panel request %s: %w", path, err)
	}

	return resp, nil
}

var _ API = (*Client)(nil)
