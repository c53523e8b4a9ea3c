// Package client talks to an xray collector over HTTP. A Client is a
// delivery.Sink for the tracer and also exposes the read API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/animus-labs/xray-go/internal/platform/config"
	"github.com/animus-labs/xray-go/pkg/delivery"
	"github.com/animus-labs/xray-go/pkg/diff"
	"github.com/animus-labs/xray-go/pkg/trail"
)

// ErrNotFound is returned by read calls for unknown executions.
var ErrNotFound = errors.New("execution not found")

// APIError is a non-2xx collector response.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("collector returned %d %s", e.Status, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Config is filled from XRAY_* variables by ConfigFromEnv.
type Config struct {
	BaseURL string        `env:"COLLECTOR_URL" envDefault:"http://localhost:8090"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"CLIENT_TIMEOUT" envDefault:"10s"`

	// OAuth2 client-credentials; used when TokenURL is set.
	TokenURL     string   `env:"OAUTH_TOKEN_URL"`
	ClientID     string   `env:"OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"OAUTH_CLIENT_SECRET"`
	Scopes       []string `env:"OAUTH_SCOPES" envSeparator:","`
}

func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnvWithPrefix(&cfg, "XRAY_"); err != nil {
		return Config{}, err
	}
	if cfg.TokenURL != "" && cfg.ClientID == "" {
		return Config{}, errors.New("XRAY_OAUTH_CLIENT_ID is required with XRAY_OAUTH_TOKEN_URL")
	}
	return cfg, nil
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	apiKey  string
}

var _ delivery.Sink = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid collector url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		httpClient = cc.Client(context.Background())
		httpClient.Timeout = timeout
	}
	return &Client{baseURL: base, http: httpClient, apiKey: cfg.APIKey}, nil
}

// CreateExecution implements delivery.Sink. Rejections (4xx other than 408
// and 429) are marked permanent so the retrier drops them.
func (c *Client) CreateExecution(ctx context.Context, e trail.Execution) error {
	return c.send(ctx, e, "executions")
}

func (c *Client) AppendStep(ctx context.Context, st trail.Step) error {
	return c.send(ctx, st, "executions", st.ExecutionID, "steps")
}

func (c *Client) GetTrail(ctx context.Context, executionID string) (trail.Trail, error) {
	var t trail.Trail
	err := c.get(ctx, nil, &t, "executions", executionID)
	return t, err
}

func (c *Client) ListExecutions(ctx context.Context, limit int) ([]trail.Execution, error) {
	var out struct {
		Executions []trail.Execution `json:"executions"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.get(ctx, q, &out, "executions")
	return out.Executions, err
}

func (c *Client) Search(ctx context.Context, text string, limit int) ([]trail.Execution, error) {
	var out struct {
		Executions []trail.Execution `json:"executions"`
	}
	q := url.Values{"q": {text}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	err := c.get(ctx, q, &out, "search")
	return out.Executions, err
}

func (c *Client) Diff(ctx context.Context, baselineID, candidateID string) (diff.ExecutionDiff, error) {
	var d diff.ExecutionDiff
	err := c.get(ctx, nil, &d, "executions", baselineID, "diff", candidateID)
	return d, err
}

// ArchiveResult locates an archived trail in object storage.
type ArchiveResult struct {
	Key   string `json:"key"`
	ETag  string `json:"etag"`
	Lines int    `json:"lines"`
}

// Archive asks the collector to export a trail to object storage.
func (c *Client) Archive(ctx context.Context, executionID string) (ArchiveResult, error) {
	var res ArchiveResult
	req, err := c.newRequest(ctx, http.MethodPost, []string{"executions", executionID, "archive"}, nil, nil)
	if err != nil {
		return res, err
	}
	if err := c.do(req, &res); err != nil {
		return ArchiveResult{}, err
	}
	return res, nil
}

func (c *Client) send(ctx context.Context, body any, segments ...string) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return delivery.Permanent(fmt.Errorf("encode %s: %w", segments[0], err))
	}
	req, err := c.newRequest(ctx, http.MethodPost, segments, nil, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	err = c.do(req, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && permanentStatus(apiErr.Status) {
		return delivery.Permanent(err)
	}
	return err
}

func (c *Client) get(ctx context.Context, q url.Values, dst any, segments ...string) error {
	req, err := c.newRequest(ctx, http.MethodGet, segments, q, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

// newRequest joins path segments onto the base URL, escaping each one.
func (c *Client) newRequest(ctx context.Context, method string, segments []string, q url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	u.Path = c.baseURL.Path + "/" + strings.Join(segments, "/")
	u.RawPath = c.baseURL.EscapedPath() + "/" + strings.Join(escaped, "/")
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Xray-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, dst any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error     string `json:"error"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		return &APIError{Status: resp.StatusCode, Code: body.Error, Message: body.Message, RequestID: body.RequestID}
	}
	if dst == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// permanentStatus reports whether retrying cannot help. Auth failures stay
// transient so a rotated key does not drop the buffered trail.
func permanentStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
