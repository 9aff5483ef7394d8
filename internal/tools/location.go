package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"keepgoing-assistant/internal/apperr"
	"keepgoing-assistant/internal/intent"
)

// ProviderResult is one service returned by the provider directory.
type ProviderResult struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Address    string  `json:"address"`
	Suburb     string  `json:"suburb"`
	Phone      string  `json:"phone"`
	URL        string  `json:"url,omitempty"`
	DistanceKM float64 `json:"distance_km"`
}

// LocationSearcher finds services near a place.  It is only invoked with
// entities the router marked safe for tooling.
type LocationSearcher interface {
	Search(ctx context.Context, entities map[string]string) ([]ProviderResult, error)
}

// LocationSearchTool is the name reported in toolsUsed.
const LocationSearchTool = "location_search"

// HTTPLocationSearcher queries a provider-directory API:
// GET {base}/search?service=&location=&limit= returning {"results": [...]}.
type HTTPLocationSearcher struct {
	BaseURL string
	APIKey  string
	Limit   int
	HTTP    *http.Client
}

func NewHTTPLocationSearcher(baseURL, apiKey string, timeout time.Duration) *HTTPLocationSearcher {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPLocationSearcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Limit:   5,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type searchResponse struct {
	Results []ProviderResult `json:"results"`
}

func (s *HTTPLocationSearcher) Search(ctx context.Context, entities map[string]string) ([]ProviderResult, error) {
	const op = "tools.LocationSearch"
	location := strings.TrimSpace(entities[intent.EntityLocation])
	if location == "" {
		return nil, apperr.Newf(apperr.KindTool, op, "missing location entity")
	}
	q := url.Values{}
	q.Set("location", location)
	if svc := strings.TrimSpace(entities[intent.EntityService]); svc != "" {
		q.Set("service", svc)
	}
	q.Set("limit", strconv.Itoa(s.Limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, apperr.New(apperr.KindTool, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	res, err := s.HTTP.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindTool, op, err)
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, apperr.Newf(apperr.KindTool, op, "status %d", res.StatusCode)
	}
	var out searchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return nil, apperr.New(apperr.KindTool, op, fmt.Errorf("decode: %w", err))
	}
	results := out.Results[:0]
	for _, r := range out.Results {
		if strings.TrimSpace(r.Name) != "" {
			results = append(results, r)
		}
	}
	if s.Limit > 0 && len(results) > s.Limit {
		results = results[:s.Limit]
	}
	return results, nil
}
