package geo

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
)

// PlacesClient queries an external nearby-places HTTP API.
type PlacesClient struct {
	baseURL      string
	apiKey       string
	searchRadius float64
	httpClient   *http.Client
}

// NewPlacesClient constructs a client. The request timeout is enforced by the Matcher context;
// the http.Client timeout is a backstop.
func NewPlacesClient(baseURL, apiKey string, timeout time.Duration) *PlacesClient {
	return &PlacesClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		searchRadius: 1000,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// Name implements Locator.
func (c *PlacesClient) Name() string { return "places_api" }

// Nearest implements Locator.
func (c *PlacesClient) Nearest(ctx context.Context, category string, p Point) (*Place, error) {
	query := url.Values{}
	query.Set("category", category)
	query.Set("lat", strconv.FormatFloat(p.Lat, 'f', 6, 64))
	query.Set("lng", strconv.FormatFloat(p.Lng, 'f', 6, 64))
	query.Set("radius", strconv.FormatFloat(c.searchRadius, 'f', 0, 64))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/places/nearby?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("places api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Results []struct {
			ID   string  `json:"id"`
			Name string  `json:"name"`
			Lat  float64 `json:"lat"`
			Lng  float64 `json:"lng"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode places response: %w", err)
	}

	var (
		best     *Place
		bestDist float64
	)
	for _, r := range payload.Results {
		candidate := &Place{ID: r.ID, Name: r.Name, Category: category, Lat: r.Lat, Lng: r.Lng, Source: c.Name()}
		d := Distance(p, candidate.Point())
		if best == nil || d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best, nil
}
