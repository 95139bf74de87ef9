// Package geocode resolves meeting location strings to coordinates through
// the Google Geocoding API. Lookups are best effort: any failure is a miss.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vipul43/meetsync-worker/internal/logger"
)

const (
	GeocodingAPIURL = "https://maps.googleapis.com/maps/api/geocode/json"

	defaultCacheSize = 4096
	defaultCacheTTL  = 24 * time.Hour
	defaultTimeout   = 3 * time.Second
)

type Point struct {
	Lat float64
	Lng float64
}

type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	CacheSize  int
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

type Client struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	// misses are cached as nil so a bad address is not retried every pass
	cache *expirable.LRU[string, *Point]
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GeocodingAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		cache:      expirable.NewLRU[string, *Point](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Geocode returns the coordinates of address, or nil when the address is
// empty, unknown, or the lookup fails.
func (c *Client) Geocode(ctx context.Context, address string) *Point {
	key := cacheKey(address)
	if key == "" || !c.Enabled() || IsVirtual(address) {
		return nil
	}
	if p, ok := c.cache.Get(key); ok {
		return p
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	p, err := c.lookup(ctx, address)
	if err != nil {
		logger.Named("geocode").Debug("geocode lookup failed", logger.Err(err))
		// only definitive answers are cached
		return nil
	}
	c.cache.Add(key, p)
	return p
}

func (c *Client) lookup(ctx context.Context, address string) (*Point, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the request URL carries the API key
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("failed to send request: %w", uerr.Err)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d)", resp.StatusCode)
	}

	var apiResp struct {
		Status  string `json:"status"`
		Results []struct {
			Geometry struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse API response: %w", err)
	}

	switch apiResp.Status {
	case "OK":
		if len(apiResp.Results) == 0 {
			return nil, nil
		}
		loc := apiResp.Results[0].Geometry.Location
		return &Point{Lat: loc.Lat, Lng: loc.Lng}, nil
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, fmt.Errorf("geocoding status %s", apiResp.Status)
	}
}

func cacheKey(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

// IsVirtual reports whether a location is a meeting link rather than a place.
func IsVirtual(location string) bool {
	l := strings.ToLower(strings.TrimSpace(location))
	if strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://") {
		return true
	}
	for _, marker := range []string{"zoom.us", "meet.google", "teams.microsoft", "webex.com"} {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}
