package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"job-alert-pipeline/internal/models"
)

const httpTimeout = 15 * time.Second

// HTTPClient talks to a Typesense-style search service over REST:
// GET /collections/{collection}/documents/search?q=&filter_by=&per_page=.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
}

// NewHTTPClient constructs a search client with a shared HTTP client.
func NewHTTPClient(baseURL, apiKey, collection string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// searchResponse mirrors the top-level search JSON response.
type searchResponse struct {
	Found int         `json:"found"`
	Hits  []searchHit `json:"hits"`
}

type searchHit struct {
	Document postingDocument `json:"document"`
	Score    float64         `json:"score"`
}

// postingDocument mirrors an indexed posting.
type postingDocument struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Company         string `json:"company"`
	City            string `json:"city"`
	State           string `json:"state"`
	IsRemote        bool   `json:"isRemote"`
	JobType         string `json:"jobType"`
	ExperienceLevel string `json:"experienceLevel"`
	Description     string `json:"description"`
	CreatedAt       int64  `json:"createdAt"` // unix seconds
}

// Search issues one ranked query against the index.
func (c *HTTPClient) Search(ctx context.Context, filter, query string, limit int) (Result, error) {
	params := url.Values{}
	if query != "" {
		params.Set("q", query)
		params.Set("query_by", "title,description")
	} else {
		params.Set("q", "*")
		params.Set("sort_by", "createdAt:desc")
	}
	if filter != "" {
		params.Set("filter_by", filter)
	}
	params.Set("per_page", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/collections/%s/documents/search?%s",
		c.baseURL, url.PathEscape(c.collection), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build search request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("search returned %d: %s", resp.StatusCode, body)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("decode search response: %w", err)
	}

	out := Result{TotalFound: decoded.Found, Hits: make([]Hit, 0, len(decoded.Hits))}
	for _, h := range decoded.Hits {
		out.Hits = append(out.Hits, Hit{
			Posting: models.Posting{
				ID:              h.Document.ID,
				Title:           h.Document.Title,
				Company:         h.Document.Company,
				City:            h.Document.City,
				State:           h.Document.State,
				IsRemote:        h.Document.IsRemote,
				JobType:         h.Document.JobType,
				ExperienceLevel: h.Document.ExperienceLevel,
				Description:     h.Document.Description,
				CreatedAt:       time.Unix(h.Document.CreatedAt, 0).UTC(),
			},
			RelevanceScore: h.Score,
		})
	}
	return out, nil
}
