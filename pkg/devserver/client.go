package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open-feature/flagd-toolbar/pkg/model"
)

// IClient is the dev server surface the sync engine depends on.
type IClient interface {
	ListProjects(ctx context.Context) ([]string, error)
	FetchProjectSnapshot(ctx context.Context, projectKey string) (*model.ProjectSnapshot, error)
	WriteOverride(ctx context.Context, projectKey, flagKey string, value any) (*OverrideAck, error)
	DeleteOverride(ctx context.Context, projectKey, flagKey string) error
	PatchContext(ctx context.Context, projectKey string, c model.Context) (*model.ProjectSnapshot, error)
}

var _ IClient = (*Client)(nil)

// OverrideAck is the dev server's reply to an override write.
type OverrideAck struct {
	Override bool `json:"override"`
	Value    any  `json:"value"`
}

type ClientConfiguration struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the dev server HTTP API. Every call is a single attempt.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "flagd-toolbar"
)

// NewClient builds a Client for the dev server at cfg.BaseURL.
func NewClient(cfg ClientConfiguration) (*Client, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the normalized dev server address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ListProjects returns the project keys known to the dev server.
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var projects []string
	if err := c.do(ctx, http.MethodGet, devPath("projects"), nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// FetchProjectSnapshot reads flag state, overrides and available variations.
func (c *Client) FetchProjectSnapshot(ctx context.Context, projectKey string) (*model.ProjectSnapshot, error) {
	values := url.Values{}
	values.Add("expand", "overrides")
	values.Add("expand", "availableVariations")
	rel := projectPath(projectKey)
	rel.RawQuery = values.Encode()

	var snapshot model.ProjectSnapshot
	if err := c.do(ctx, http.MethodGet, rel, nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// WriteOverride sets an override. The body is the raw JSON-encoded value.
func (c *Client) WriteOverride(ctx context.Context, projectKey, flagKey string, value any) (*OverrideAck, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal override for %s: %w", flagKey, err)
	}
	var ack OverrideAck
	if err := c.do(ctx, http.MethodPut, overridePath(projectKey, flagKey), body, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// DeleteOverride removes an override.
func (c *Client) DeleteOverride(ctx context.Context, projectKey, flagKey string) error {
	return c.do(ctx, http.MethodDelete, overridePath(projectKey, flagKey), nil, nil)
}

// PatchContext replaces the dev server's evaluation context and returns the
// resulting snapshot.
func (c *Client) PatchContext(ctx context.Context, projectKey string, evalCtx model.Context) (*model.ProjectSnapshot, error) {
	body, err := json.Marshal(map[string]any{"context": evalCtx})
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	var snapshot model.ProjectSnapshot
	if err := c.do(ctx, http.MethodPatch, projectPath(projectKey), body, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (c *Client) do(ctx context.Context, method string, rel *url.URL, body []byte, dest any) error {
	reqURL := c.baseURL.ResolveReference(rel)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ConnectionError{URL: c.baseURL.String(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{
			Method:     method,
			Path:       rel.EscapedPath(),
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
	}

	if dest == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// devPath builds a reference under /dev with every segment escaped, so keys
// holding '/' or '?' stay a single segment.
func devPath(segments ...string) *url.URL {
	escaped := make([]string, len(segments))
	for i, segment := range segments {
		escaped[i] = url.PathEscape(segment)
	}
	return &url.URL{
		Path:    "/dev/" + strings.Join(segments, "/"),
		RawPath: "/dev/" + strings.Join(escaped, "/"),
	}
}

func projectPath(projectKey string) *url.URL {
	return devPath("projects", projectKey)
}

func overridePath(projectKey, flagKey string) *url.URL {
	return devPath("projects", projectKey, "overrides", flagKey)
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("dev server url is empty")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse dev server url %q: %w", raw, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
