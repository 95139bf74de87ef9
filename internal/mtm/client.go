// Package mtm talks to the meeting-scheduling provider's OAuth-protected
// JSON API.
package mtm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/vipul43/meetsync-worker/internal/retry"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

const (
	DefaultPageSize = 50
	maxPageSize     = 200
	maxBodyBytes    = 4 << 20
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	PageSize     int
	Retry        retry.Policy
	HTTPClient   *http.Client
}

type Client struct {
	baseURL    string
	pageSize   int
	policy     retry.Policy
	httpClient *http.Client
	oauth      *oauth2.Config
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		pageSize:   pageSize,
		policy:     cfg.Retry,
		httpClient: httpClient,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.BaseURL + "/oauth/authorize",
				TokenURL: cfg.BaseURL + "/oauth/token",
			},
			Scopes: []string{"meetings.read"},
		},
	}
}

// Participant is a meeting attendee as the provider reports it.
type Participant struct {
	Name    string `json:"name"`
	Company string `json:"company"`
}

// Meeting is one raw record. Times stay strings so that a single bad record
// fails normalization instead of the whole page.
type Meeting struct {
	ID           string        `json:"id"`
	ETag         string        `json:"etag"`
	Title        string        `json:"title"`
	StartTime    string        `json:"start_time"`
	EndTime      string        `json:"end_time"`
	Timezone     string        `json:"timezone"`
	Location     string        `json:"location"`
	Participants []Participant `json:"participants"`
	Status       string        `json:"status"`
	Notes        string        `json:"notes"`
	UpdatedAt    string        `json:"updated_at"`
}

type Pagination struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
}

type Page struct {
	Meetings   []Meeting  `json:"meetings"`
	Pagination Pagination `json:"pagination"`
}

// ListMeetings fetches one page of meetings in [from, to]. 429 and 5xx are
// retried with backoff; other 4xx fail immediately.
func (c *Client) ListMeetings(ctx context.Context, accessToken string, from, to time.Time, page, pageSize int) (*Page, error) {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	endpoint := c.baseURL + "/v1/meetings?" + q.Encode()

	var out *Page
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		p, err := c.getPage(ctx, endpoint, accessToken)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getPage(ctx context.Context, endpoint, accessToken string) (*Page, error) {
	const op = "mtm.list_meetings"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.KindPermanent, op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransient, op, fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransient, op, fmt.Errorf("failed to read response: %w", err))
	}

	if serr := syncerr.FromStatus(op, resp.StatusCode, truncate(body)); serr != nil {
		serr.RetryAfter = retry.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, serr
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, syncerr.New(syncerr.KindTransient, op, fmt.Errorf("failed to parse response: %w", err))
	}
	return &page, nil
}

// AuthCodeURL is where the user is sent to grant access.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token pair.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, syncerr.New(syncerr.KindPermanent, "mtm.exchange", errors.New("authorization code is empty"))
	}
	token, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, syncerr.FromOAuth("mtm.exchange", err)
	}
	return token, nil
}

// Refresh obtains a new access token. When the provider does not rotate the
// refresh token, the returned token carries the one passed in.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, syncerr.New(syncerr.KindAuthExpired, "mtm.refresh", errors.New("no refresh token stored"))
	}
	token := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(-time.Hour), // force refresh
	}
	fresh, err := c.oauth.TokenSource(c.oauthContext(ctx), token).Token()
	if err != nil {
		return nil, syncerr.FromOAuth("mtm.refresh", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}
	return fresh, nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func truncate(body []byte) string {
	if len(body) > 512 {
		return string(body[:512])
	}
	return string(body)
}
