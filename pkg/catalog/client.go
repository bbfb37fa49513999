package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open-feature/flagd-toolbar/pkg/model"
)

// IFetcher loads flag metadata for a project from the remote flag API.
type IFetcher interface {
	GetProjectFlags(ctx context.Context, projectKey string) ([]model.FlagMetadata, error)
}

var (
	_ IFetcher = (*Client)(nil)
	_ IFetcher = (*Static)(nil)
)

type ClientConfiguration struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// Client reads flag definitions from the remote flag management API.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
}

type flagsResponse struct {
	Items []model.FlagMetadata `json:"items"`
}

// NewClient builds a catalog Client.
func NewClient(cfg ClientConfiguration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("catalog api url is empty")
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse catalog api url %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: base,
		token:   cfg.APIToken,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// GetProjectFlags fetches every flag of projectKey.
func (c *Client) GetProjectFlags(ctx context.Context, projectKey string) ([]model.FlagMetadata, error) {
	rel := &url.URL{Path: c.baseURL.Path + "/api/v2/flags/" + projectKey}
	reqURL := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch flag catalog: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("flag catalog for %s returned status %d", projectKey, resp.StatusCode)
	}

	var payload flagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode flag catalog: %w", err)
	}
	return payload.Items, nil
}

// Static serves a fixed catalog. The zero value is an empty catalog, used
// when no remote API is configured.
type Static struct {
	flags []model.FlagMetadata
}

// NewStatic returns a Static catalog holding flags.
func NewStatic(flags []model.FlagMetadata) *Static {
	return &Static{flags: flags}
}

func (s *Static) GetProjectFlags(_ context.Context, _ string) ([]model.FlagMetadata, error) {
	out := make([]model.FlagMetadata, len(s.flags))
	copy(out, s.flags)
	return out, nil
}
