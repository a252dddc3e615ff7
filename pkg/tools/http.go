package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stageflow/stageflow/pkg/config"
)

const maxResponseBytes = 1 << 20

// webSearch issues a GET against a configured search endpoint with the query
// as a URL parameter and returns the raw response body.
type webSearch struct {
	name        string
	description string
	endpoint    string
	queryParam  string
	client      *http.Client
}

func newWebSearch(record config.ToolRecord) (Tool, error) {
	endpoint, _ := record.Spec["endpoint"].(string)
	if endpoint == "" {
		return nil, fmt.Errorf("web_search tool %s requires spec.endpoint", record.Name)
	}
	queryParam, _ := record.Spec["query_param"].(string)
	if queryParam == "" {
		queryParam = "q"
	}

	return &webSearch{
		name:        record.Name,
		description: record.Description,
		endpoint:    endpoint,
		queryParam:  queryParam,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (t *webSearch) Name() string        { return t.name }
func (t *webSearch) Description() string { return t.description }

func (t *webSearch) Call(ctx context.Context, args map[string]any) (*Result, error) {
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, fmt.Errorf("web_search requires a 'query' string argument")
	}

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	values := u.Query()
	values.Set(t.queryParam, query)
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	return &Result{
		Tool:    t.name,
		Output:  string(body),
		Details: map[string]any{"query": query, "endpoint": t.endpoint},
	}, nil
}

// httpTool issues a generic HTTP request. Method, url, headers, and body come
// from the call arguments; the catalog spec may pin an allowed URL prefix.
type httpTool struct {
	name        string
	description string
	allowPrefix string
	client      *http.Client
}

func newHTTPTool(record config.ToolRecord) (Tool, error) {
	allowPrefix, _ := record.Spec["allow_prefix"].(string)
	return &httpTool{
		name:        record.Name,
		description: record.Description,
		allowPrefix: allowPrefix,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (t *httpTool) Name() string        { return t.name }
func (t *httpTool) Description() string { return t.description }

func (t *httpTool) Call(ctx context.Context, args map[string]any) (*Result, error) {
	target, ok := args["url"].(string)
	if !ok || target == "" {
		return nil, fmt.Errorf("http tool requires a 'url' string argument")
	}
	if t.allowPrefix != "" && !strings.HasPrefix(target, t.allowPrefix) {
		return nil, fmt.Errorf("url %s is outside the allowed prefix %s", target, t.allowPrefix)
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := args["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target, body)
	if err != nil {
		return nil, err
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprint(value))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Result{
		Tool:   t.name,
		Output: string(respBody),
		Details: map[string]any{
			"status": resp.StatusCode,
			"url":    target,
			"method": method,
		},
	}, nil
}

var (
	_ Tool = (*webSearch)(nil)
	_ Tool = (*httpTool)(nil)
)
