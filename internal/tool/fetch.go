package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const fetchMaxChars = 50000

// FetchURL downloads a page and returns its readable text.
type FetchURL struct {
	client    *http.Client
	userAgent string
	policy    *bluemonday.Policy
}

func NewFetchURL(client *http.Client) *FetchURL {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FetchURL{
		client:    client,
		userAgent: "stepflow/1.0 (+https://github.com/opentalon/stepflow)",
		policy:    bluemonday.StrictPolicy(),
	}
}

func (f *FetchURL) Name() string { return "fetch_url" }

func (f *FetchURL) Description() string {
	return "Fetch a web page and return its main content as plain text."
}

func (f *FetchURL) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http(s) URL of the page",
			},
		},
		"required": []string{"url"},
	}
}

func (f *FetchURL) Run(ctx context.Context, args map[string]any) (string, error) {
	raw := GetString(args, "url")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q", raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	article, err := readability.FromReader(resp.Body, u)
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	var b strings.Builder
	if article.Title != "" {
		fmt.Fprintf(&b, "TITLE: %s\n\n", article.Title)
	}
	text := strings.TrimSpace(f.policy.Sanitize(article.TextContent))
	if len(text) > fetchMaxChars {
		text = text[:fetchMaxChars] + "\n[truncated]"
	}
	b.WriteString(text)
	return b.String(), nil
}
