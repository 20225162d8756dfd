// Package websearch implements the web_search SERVER tool: multi-backend
// search (SearXNG, DuckDuckGo, Brave) with optional content extraction.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conduitrun/conduit/internal/toolpipeline"
)

// SearchBackend identifies which search provider to use.
type SearchBackend string

const (
	BackendSearXNG     SearchBackend = "searxng"
	BackendDuckDuckGo  SearchBackend = "duckduckgo"
	BackendBrave       SearchBackend = "brave"
)

// SearchType narrows results to a result category.
type SearchType string

const (
	SearchTypeWeb   SearchType = "web"
	SearchTypeImage SearchType = "image"
	SearchTypeNews  SearchType = "news"
)

// Config configures a WebSearchTool.
type Config struct {
	SearXNGURL         string
	BraveAPIKey        string
	DefaultBackend     SearchBackend
	ExtractContent     bool
	DefaultResultCount int
	CacheTTL           int // seconds
}

// SearchParams is the decoded tool call payload.
type SearchParams struct {
	Query          string        `json:"query"`
	Type           SearchType    `json:"type,omitempty"`
	ResultCount    int           `json:"result_count,omitempty"`
	ExtractContent bool          `json:"extract_content,omitempty"`
	Backend        SearchBackend `json:"backend,omitempty"`
}

// SearchResult is a single search hit.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet,omitempty"`
	Content     string `json:"content,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// SearchResponse is the full tool result payload.
type SearchResponse struct {
	Query   string         `json:"query"`
	Backend SearchBackend  `json:"backend"`
	Results []SearchResult `json:"results"`
	Cached  bool           `json:"cached"`
}

type cacheEntry struct {
	response  SearchResponse
	expiresAt time.Time
}

const maxCacheSize = 1000

// WebSearchTool implements web search across multiple backends with
// caching and optional readable-content extraction.
type WebSearchTool struct {
	config     *Config
	httpClient *http.Client
	extractor  *ContentExtractor

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry
}

var _ toolpipeline.Executor = (*WebSearchTool)(nil)

// NewWebSearchTool builds a web search tool, applying defaults for any
// unset Config fields.
func NewWebSearchTool(config *Config) *WebSearchTool {
	if config == nil {
		config = &Config{}
	}
	if config.DefaultResultCount <= 0 {
		config.DefaultResultCount = 5
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 300
	}
	if config.DefaultBackend == "" {
		if config.SearXNGURL != "" {
			config.DefaultBackend = BackendSearXNG
		} else {
			config.DefaultBackend = BackendDuckDuckGo
		}
	}
	return &WebSearchTool{
		config:     config,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		extractor:  NewContentExtractor(),
		cache:      make(map[string]*cacheEntry),
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web using SearXNG, DuckDuckGo, or Brave, optionally extracting page content."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query.",
			},
			"type": map[string]any{
				"type":        "string",
				"enum":        []string{"web", "image", "news"},
				"description": "Result category. Defaults to web.",
			},
			"result_count": map[string]any{
				"type":        "integer",
				"description": "Number of results to return.",
				"minimum":     1,
				"maximum":     20,
			},
			"extract_content": map[string]any{
				"type":        "boolean",
				"description": "Fetch and extract readable content for web results.",
			},
			"backend": map[string]any{
				"type":        "string",
				"enum":        []string{"searxng", "duckduckgo", "brave"},
				"description": "Search backend override.",
			},
		},
		"required": []string{"query"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func (t *WebSearchTool) Execute(ctx context.Context, raw json.RawMessage) (*toolpipeline.ToolResult, error) {
	var params SearchParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	params.Query = strings.TrimSpace(params.Query)
	if params.Query == "" {
		return toolError("query is required"), nil
	}
	if params.Type == "" {
		params.Type = SearchTypeWeb
	}
	if params.ResultCount <= 0 {
		params.ResultCount = t.config.DefaultResultCount
	}
	backend := params.Backend
	if backend == "" {
		backend = t.config.DefaultBackend
	}

	cacheKey := t.getCacheKey(params, backend)
	if cached, ok := t.getFromCache(cacheKey); ok {
		cached.Cached = true
		return t.formatResponse(cached)
	}

	response, err := t.dispatch(ctx, params, backend)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if (params.ExtractContent || t.config.ExtractContent) && params.Type == SearchTypeWeb {
		t.extractContentForResults(ctx, response.Results)
	}

	t.putInCache(cacheKey, *response)
	return t.formatResponse(*response)
}

func (t *WebSearchTool) dispatch(ctx context.Context, params SearchParams, backend SearchBackend) (*SearchResponse, error) {
	var (
		response *SearchResponse
		err      error
	)
	switch backend {
	case BackendSearXNG:
		response, err = t.searchSearXNG(ctx, params)
	case BackendBrave:
		response, err = t.searchBrave(ctx, params)
	default:
		response, err = t.searchDuckDuckGo(ctx, params)
	}
	if err != nil && backend != BackendDuckDuckGo {
		response, err = t.searchDuckDuckGo(ctx, params)
		if err == nil {
			response.Backend = BackendDuckDuckGo
		}
	}
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return response, nil
}

func (t *WebSearchTool) formatResponse(response SearchResponse) (*toolpipeline.ToolResult, error) {
	payload, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &toolpipeline.ToolResult{Content: string(payload)}, nil
}

func (t *WebSearchTool) getCacheKey(params SearchParams, backend SearchBackend) string {
	return fmt.Sprintf("%s|%s|%s|%d", params.Query, params.Type, backend, params.ResultCount)
}

func (t *WebSearchTool) getFromCache(key string) (SearchResponse, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	entry, ok := t.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return SearchResponse{}, false
	}
	return entry.response, true
}

func (t *WebSearchTool) putInCache(key string, response SearchResponse) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if len(t.cache) >= maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range t.cache {
			if oldestKey == "" || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
			}
		}
		if oldestKey != "" {
			delete(t.cache, oldestKey)
		}
	}
	t.cache[key] = &cacheEntry{
		response:  response,
		expiresAt: time.Now().Add(time.Duration(t.config.CacheTTL) * time.Second),
	}
}

func (t *WebSearchTool) extractContentForResults(ctx context.Context, results []SearchResult) {
	var wg sync.WaitGroup
	for i := range results {
		if results[i].URL == "" {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content, err := t.extractor.Extract(ctx, results[i].URL)
			if err == nil {
				results[i].Content = content
			}
		}(i)
	}
	wg.Wait()
}

func (t *WebSearchTool) searchSearXNG(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	if t.config.SearXNGURL == "" {
		return nil, fmt.Errorf("searxng URL not configured")
	}
	category := "general"
	switch params.Type {
	case SearchTypeImage:
		category = "images"
	case SearchTypeNews:
		category = "news"
	}

	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("format", "json")
	q.Set("categories", category)

	endpoint := strings.TrimRight(t.config.SearXNGURL, "/") + "/search?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		Results []struct {
			Title     string `json:"title"`
			URL       string `json:"url"`
			Content   string `json:"content"`
			ImgSrc    string `json:"img_src"`
			PublishedDate string `json:"publishedDate"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode searxng response: %w", err)
	}

	count := min(params.ResultCount, len(body.Results))
	results := make([]SearchResult, 0, count)
	for _, r := range body.Results[:count] {
		results = append(results, SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Snippet:     r.Content,
			ImageURL:    r.ImgSrc,
			PublishedAt: r.PublishedDate,
		})
	}
	return &SearchResponse{Query: params.Query, Backend: BackendSearXNG, Results: results}, nil
}

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")

	endpoint := "https://api.duckduckgo.com/?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConduitBot/1.0)")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned HTTP %d", resp.StatusCode)
	}

	var body struct {
		AbstractText string `json:"AbstractText"`
		AbstractURL  string `json:"AbstractURL"`
		Heading      string `json:"Heading"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode duckduckgo response: %w", err)
	}

	var results []SearchResult
	if body.AbstractText != "" && body.AbstractURL != "" {
		results = append(results, SearchResult{
			Title:   body.Heading,
			URL:     body.AbstractURL,
			Snippet: body.AbstractText,
		})
	}
	for _, topic := range body.RelatedTopics {
		if len(results) >= params.ResultCount {
			break
		}
		if topic.FirstURL == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:   topic.Text,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	if len(results) > params.ResultCount {
		results = results[:params.ResultCount]
	}
	return &SearchResponse{Query: params.Query, Backend: BackendDuckDuckGo, Results: results}, nil
}

func (t *WebSearchTool) searchBrave(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	if t.config.BraveAPIKey == "" {
		return nil, fmt.Errorf("brave API key not configured")
	}

	var endpoint string
	switch params.Type {
	case SearchTypeImage:
		endpoint = "https://api.search.brave.com/res/v1/images/search"
	case SearchTypeNews:
		endpoint = "https://api.search.brave.com/res/v1/news/search"
	default:
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}

	q := url.Values{}
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.ResultCount))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", t.config.BraveAPIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave returned HTTP %d", resp.StatusCode)
	}

	switch params.Type {
	case SearchTypeImage:
		var body struct {
			Results []struct {
				Title string `json:"title"`
				URL   string `json:"url"`
				Thumbnail struct {
					Src string `json:"src"`
				} `json:"thumbnail"`
			} `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode brave response: %w", err)
		}
		count := min(params.ResultCount, len(body.Results))
		results := make([]SearchResult, 0, count)
		for _, r := range body.Results[:count] {
			results = append(results, SearchResult{Title: r.Title, URL: r.URL, ImageURL: r.Thumbnail.Src})
		}
		return &SearchResponse{Query: params.Query, Backend: BackendBrave, Results: results}, nil
	case SearchTypeNews:
		var body struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode brave response: %w", err)
		}
		count := min(params.ResultCount, len(body.Results))
		results := make([]SearchResult, 0, count)
		for _, r := range body.Results[:count] {
			results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description, PublishedAt: r.Age})
		}
		return &SearchResponse{Query: params.Query, Backend: BackendBrave, Results: results}, nil
	default:
		var body struct {
			Web struct {
				Results []struct {
					Title       string `json:"title"`
					URL         string `json:"url"`
					Description string `json:"description"`
				} `json:"results"`
			} `json:"web"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode brave response: %w", err)
		}
		count := min(params.ResultCount, len(body.Web.Results))
		results := make([]SearchResult, 0, count)
		for _, r := range body.Web.Results[:count] {
			results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
		}
		return &SearchResponse{Query: params.Query, Backend: BackendBrave, Results: results}, nil
	}
}

func toolError(message string) *toolpipeline.ToolResult {
	return &toolpipeline.ToolResult{Content: message, IsError: true}
}
